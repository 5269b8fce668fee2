package gauntlet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/opfor-ai/gauntlet/message"
	"github.com/opfor-ai/gauntlet/roster"
)

func TestTracerProviderRecordsSendSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewTracerProvider("test-run", exporter, nil)
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	c := testCoordinator(t)
	require.NoError(t, c.Initialize(roster.Default()))

	_, err := c.IssueCommand(context.Background(), "ghost_agent", message.CommandPayload{Task: "x"})
	require.Error(t, err)

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)

	var found bool
	for _, span := range spans {
		if span.Name != "bus.send" {
			continue
		}
		found = true
		for _, attr := range span.Attributes {
			if attr.Key == "message.sender" {
				assert.Equal(t, message.Coordinator, attr.Value.AsString())
			}
		}
	}
	assert.True(t, found, "expected a bus.send span")
}
