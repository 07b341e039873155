package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"tickflow/models"
)

// ConsoleSink prints each event in a fixed-width human readable form. It is
// meant for interactive runs and smoke tests, not production throughput.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{out: os.Stdout}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) OnEvent(event models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.out, event.String())
	return err
}
