package iot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/certrotation/iot"
	"github.com/relabs-tech/certrotation/rotation"
)

type handlerFunc func(ctx context.Context, topic string, payload []byte) rotation.Result

func (f handlerFunc) HandleMessage(ctx context.Context, topic string, payload []byte) rotation.Result {
	return f(ctx, topic, payload)
}

func TestParseRuleEvent(t *testing.T) {
	event, err := iot.ParseRuleEvent([]byte(`{
		"topic": "cert-rotation/ack-man-cert/SN-1/rqst",
		"data": {"cert_id": "abc"},
		"client_id": "SN-1",
		"cert_id": "vendor"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "cert-rotation/ack-man-cert/SN-1/rqst", event.Topic)
	assert.JSONEq(t, `{"cert_id": "abc"}`, string(event.Data))
	assert.Equal(t, "SN-1", event.ClientID)
	assert.Equal(t, "vendor", event.CertID)

	event, err = iot.ParseRuleEvent([]byte(`{"topic": "$aws/events/certificates/registered/ca"}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(event.Data))

	_, err = iot.ParseRuleEvent([]byte(`{"data": {}}`))
	assert.ErrorIs(t, err, rotation.ErrInvalidMessage)
	_, err = iot.ParseRuleEvent([]byte(`not json`))
	assert.ErrorIs(t, err, rotation.ErrInvalidMessage)
}

func TestDispatch(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	handler := handlerFunc(func(ctx context.Context, topic string, payload []byte) rotation.Result {
		gotTopic, gotPayload = topic, payload
		return rotation.Result{Topic: topic, Kind: rotation.KindAckRequest}
	})

	result := iot.Dispatch(context.Background(), handler, iot.RuleEvent{
		Topic: "cert-rotation/ack-man-cert/SN-1/rqst",
		Data:  []byte(`{"cert_id":"abc"}`),
	})
	assert.Equal(t, rotation.KindAckRequest, result.Kind)
	assert.Equal(t, "cert-rotation/ack-man-cert/SN-1/rqst", gotTopic)
	assert.Equal(t, `{"cert_id":"abc"}`, string(gotPayload))
}
