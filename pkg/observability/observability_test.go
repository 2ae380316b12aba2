package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	// None of these may panic or touch the network.
	p.RecordWorkflow(ctx, "completed")
	p.RecordStep(ctx, "failed")
	p.RecordAlert(ctx, "anomaly", "low")
	p.RecordSession(ctx)

	opCtx, done := p.TrackOperation(ctx, "workflow.run", attribute.String("workflow_id", "w1"))
	assert.NotNil(t, opCtx)
	done(errors.New("boom"))

	assert.NoError(t, p.Shutdown(ctx))
}

func TestNilConfigFallsBackToDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	// Defaults keep telemetry off, so construction never dials anywhere.
	assert.False(t, p.config.Enabled)
	assert.NotNil(t, p.Tracer())
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "veridian-core", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.InDelta(t, 1.0, c.SampleRate, 1e-9)
	assert.False(t, c.Enabled)
}
