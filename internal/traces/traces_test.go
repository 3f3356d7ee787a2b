package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", OrderID("1"), Verdict(0), Trigger("manual"))
	require.NotNil(t, ctx)
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	attrs := BlockRange(10, 20)
	assert.Len(t, attrs, 2)
	assert.Equal(t, int64(20), attrs[1].Value.AsInt64())
}
