package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/dispatch"
	"tickflow/internal/normalizer"
	"tickflow/logger"
)

// ConnectionState is the supervisor's lifecycle state. Transitions are the
// supervisor's sole responsibility; other components only read it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// subscribeRequest is the combined-subscription frame sent after each dial.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// subscribeAck is the exchange's response to a subscribe request.
type subscribeAck struct {
	Result interface{} `json:"result"`
	ID     *int64      `json:"id"`
}

// StreamSupervisor owns one combined-stream websocket connection: connect,
// subscribe, read loop, failure detection and reconnect with backoff. The
// read loop and the reconnect loop are the same goroutine, so two connection
// attempts never run concurrently for the same subscription set.
type StreamSupervisor struct {
	cfg        *config.Config
	norm       *normalizer.Normalizer
	dispatcher *dispatch.Dispatcher
	backoff    *Backoff
	log        *logger.Log

	mu      sync.RWMutex
	state   ConnectionState
	running bool
	subID   int64
}

// NewStreamSupervisor creates a supervisor for the configured streams.
func NewStreamSupervisor(cfg *config.Config, norm *normalizer.Normalizer, dispatcher *dispatch.Dispatcher) *StreamSupervisor {
	return &StreamSupervisor{
		cfg:        cfg,
		norm:       norm,
		dispatcher: dispatcher,
		backoff:    NewBackoff(cfg.Connection.ReconnectDelayBase, cfg.Connection.ReconnectDelayMax),
		log:        logger.GetLogger(),
	}
}

// State returns the current connection state.
func (s *StreamSupervisor) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StreamSupervisor) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run connects and streams until the context is cancelled or the configured
// maximum number of consecutive reconnect attempts is exhausted. Transport
// errors never escape: they are absorbed into the reconnect cycle.
func (s *StreamSupervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	streams := s.cfg.StreamNames()
	log := s.log.WithComponent("stream_supervisor").WithFields(logger.Fields{
		"symbol":  s.cfg.Symbol,
		"streams": streams,
	})

	if len(streams) == 0 {
		log.Warn("no streams enabled, supervisor idle until cancelled")
		<-ctx.Done()
		return nil
	}

	log.Info("starting stream supervisor")
	maxAttempts := s.cfg.Connection.ReconnectMaxAttempts

	for {
		if ctx.Err() != nil {
			s.setState(StateClosing)
			log.Info("stream supervisor stopped")
			s.setState(StateDisconnected)
			return nil
		}

		err := s.connectAndStream(ctx, streams, log)
		if ctx.Err() != nil {
			s.setState(StateClosing)
			log.Info("stream supervisor stopped")
			s.setState(StateDisconnected)
			return nil
		}

		s.setState(StateReconnecting)
		logger.IncrementReconnect()

		if maxAttempts > 0 && s.backoff.Attempts()+1 > maxAttempts {
			log.WithFields(logger.Fields{"attempts": s.backoff.Attempts() + 1}).Error("max reconnect attempts exceeded")
			s.setState(StateDisconnected)
			return fmt.Errorf("max reconnect attempts (%d) exceeded: %w", maxAttempts, err)
		}

		delay := s.backoff.Next()
		log.WithError(err).WithFields(logger.Fields{
			"attempt":      s.backoff.Attempts(),
			"reconnect_in": delay.String(),
		}).Warn("connection lost, reconnecting")

		if waitOrDone(ctx, delay) {
			s.setState(StateDisconnected)
			return nil
		}
	}
}

// connectAndStream runs one full connection cycle: dial, subscribe, read
// until failure. The returned error describes why the cycle ended.
func (s *StreamSupervisor) connectAndStream(ctx context.Context, streams []string, log *logger.Entry) error {
	s.setState(StateConnecting)

	// The /stream endpoint wraps every payload in the combined
	// {"stream","data"} envelope; /ws delivers raw payloads the normalizer
	// would reject.
	wsURL := s.cfg.Connection.BaseURL + "/stream"
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.Connection.Timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	s.setState(StateSubscribing)
	s.mu.Lock()
	s.subID++
	subID := s.subID
	s.mu.Unlock()

	if err := conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: subID}); err != nil {
		return fmt.Errorf("send subscribe request: %w", err)
	}
	log.WithFields(logger.Fields{"id": subID}).Debug("subscribe request sent")

	idle := s.cfg.Connection.IdleTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	pingStop := s.startPingLoop(ctx, conn)
	defer close(pingStop)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Liveness failure, not a hard transport error.
				return fmt.Errorf("no frames within idle timeout %s", idle)
			}
			return fmt.Errorf("read frame: %w", err)
		}

		s.handleFrame(msg, log)
	}
}

// handleFrame processes one wire frame. Subscribe acks complete the
// Subscribing state; everything else goes through the normalizer. A parse
// failure drops the single frame and never terminates the read loop.
func (s *StreamSupervisor) handleFrame(msg []byte, log *logger.Entry) {
	if s.State() == StateSubscribing && isSubscribeAck(msg) {
		s.enterStreaming(log)
		return
	}

	event, err := s.norm.Normalize(msg)
	if err != nil {
		logger.IncrementParseError()
		log.WithError(err).WithFields(logger.Fields{"frame_bytes": len(msg)}).Warn("dropping malformed frame")
		return
	}

	if s.State() != StateStreaming {
		s.enterStreaming(log)
	}
	s.dispatcher.Dispatch(event)
}

func (s *StreamSupervisor) enterStreaming(log *logger.Entry) {
	s.setState(StateStreaming)
	s.backoff.Reset()
	log.Info("streaming")
}

// startPingLoop keeps the connection alive with periodic ping control
// frames. The returned channel stops the loop when closed.
func (s *StreamSupervisor) startPingLoop(ctx context.Context, conn *websocket.Conn) chan struct{} {
	stop := make(chan struct{})
	interval := s.cfg.Connection.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.log.WithComponent("stream_supervisor").WithError(err).Debug("failed to send ping")
					return
				}
			}
		}
	}()
	return stop
}

func isSubscribeAck(msg []byte) bool {
	var ack subscribeAck
	if err := json.Unmarshal(msg, &ack); err != nil {
		return false
	}
	return ack.ID != nil && ack.Result == nil
}

func waitOrDone(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
