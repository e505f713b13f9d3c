package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/certrotation/rotation"
)

type handlerFunc func(ctx context.Context, topic string, payload []byte) rotation.Result

func (f handlerFunc) HandleMessage(ctx context.Context, topic string, payload []byte) rotation.Result {
	return f(ctx, topic, payload)
}

func TestHandleEvent(t *testing.T) {
	var err error
	var topics []string
	handle := handleEvent(handlerFunc(func(ctx context.Context, topic string, payload []byte) rotation.Result {
		topics = append(topics, topic)
		return rotation.Result{Topic: topic, Err: err}
	}))
	event := []byte(`{"topic":"cert-rotation/ack-man-cert/SN-1/rqst","data":{"cert_id":"abc"}}`)

	assert.NoError(t, handle(context.Background(), event))

	err = fmt.Errorf("record SN-1: %w", rotation.ErrStateMismatch)
	assert.NoError(t, handle(context.Background(), event), "dropped messages are not retried")

	err = fmt.Errorf("put SN-1: %w", rotation.ErrStoreUnavailable)
	assert.ErrorIs(t, handle(context.Background(), event), rotation.ErrStoreUnavailable)

	assert.NoError(t, handle(context.Background(), []byte(`{"data":{}}`)), "invalid events are dropped")
	assert.Len(t, topics, 3)
}
