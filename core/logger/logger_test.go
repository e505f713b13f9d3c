package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLoggerKeepsExistingLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)

	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Equal(t, rlog, rlog2)
	assert.NotEmpty(t, RequestIDFromContext(ctx))
}

func TestSerialNumberSurvivesSerialization(t *testing.T) {
	ctx, _ := ContextWithSerialNumber(context.Background(), "IUQWXALODJESC1")
	data := SerializeLoggerContext(ctx)

	restored := ContextWithLoggerFromData(context.Background(), data)
	assert.Equal(t, RequestIDFromContext(ctx), RequestIDFromContext(restored))
	assert.Equal(t, "IUQWXALODJESC1", loggerValues(restored).SerialNumber)
}

func TestContextWithLoggerFromInvalidData(t *testing.T) {
	ctx := ContextWithLoggerFromData(context.Background(), []byte("not json"))
	assert.NotEmpty(t, RequestIDFromContext(ctx))
	assert.Equal(t, []byte("{}"), SerializeLoggerContext(context.Background()))
}
