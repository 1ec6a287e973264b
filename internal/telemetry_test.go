package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelemetryEmitter_FallsBackToDefault(t *testing.T) {
	var defaults, own []string
	RegisterTelemetryEmitter(func(_ context.Context, name string, labels map[string]string, _ any) {
		defaults = append(defaults, labels["stage"])
	})
	t.Cleanup(func() { RegisterTelemetryEmitter(nil) })

	TelemetryEmitter(nil).Latency(context.Background(), StageMerge, 3)
	var fn TelemetryEmitter = func(_ context.Context, name string, labels map[string]string, _ any) {
		own = append(own, labels["stage"])
	}
	fn.Latency(context.Background(), StageStreaming, 5)

	assert.Equal(t, []string{StageMerge}, defaults)
	assert.Equal(t, []string{StageStreaming}, own)
}
