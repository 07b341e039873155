package sink

import (
	"bytes"
	"strings"
	"testing"

	"tickflow/models"
)

func TestConsoleSinkPrintsEvents(t *testing.T) {
	var buf bytes.Buffer
	s := NewConsoleSink()
	s.out = &buf

	err := s.OnEvent(models.StreamEvent{
		Type:   models.EventTrade,
		Symbol: "BTCUSDT",
		Trade:  &models.TradePayload{Price: 16569.01, Quantity: 0.014},
	})
	if err != nil {
		t.Fatalf("OnEvent: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[TRADE]") || !strings.Contains(out, "BTCUSDT") {
		t.Errorf("unexpected output: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("output missing trailing newline")
	}
}

func TestConsoleSinkName(t *testing.T) {
	if got := NewConsoleSink().Name(); got != "console" {
		t.Errorf("Name() = %s, want console", got)
	}
}
