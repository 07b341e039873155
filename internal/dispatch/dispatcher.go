package dispatch

import (
	"fmt"
	"sync"

	"tickflow/logger"
	"tickflow/models"
)

// Consumer receives every dispatched event. OnEvent must return quickly;
// consumers that need slow I/O (network sinks, batched storage) buffer
// internally and flush on their own schedule rather than blocking dispatch.
type Consumer interface {
	Name() string
	OnEvent(event models.StreamEvent) error
}

// ConsumerFunc adapts a plain function into a Consumer.
type ConsumerFunc struct {
	ConsumerName string
	Fn           func(event models.StreamEvent) error
}

func (c ConsumerFunc) Name() string { return c.ConsumerName }

func (c ConsumerFunc) OnEvent(event models.StreamEvent) error { return c.Fn(event) }

// Dispatcher fans events out to an ordered set of consumers. Registration
// order is invocation order. A failing consumer is logged and isolated; the
// remaining consumers still receive the event. Dispatch holds a single lock
// so events arriving from the stream and the poller never interleave
// mid-dispatch to the same consumer.
type Dispatcher struct {
	mu        sync.Mutex
	consumers []Consumer
	log       *logger.Log
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{log: logger.GetLogger()}
}

// Register appends a consumer. Registration happens at startup; the consumer
// list is read-only during steady-state dispatch.
func (d *Dispatcher) Register(c Consumer) {
	d.mu.Lock()
	d.consumers = append(d.consumers, c)
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"consumer": c.Name(),
	}).Info("consumer registered")
}

// Dispatch delivers the event to every registered consumer in order.
func (d *Dispatcher) Dispatch(event models.StreamEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.consumers {
		if err := d.deliver(c, event); err != nil {
			d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{
				"consumer": c.Name(),
				"type":     string(event.Type),
				"symbol":   event.Symbol,
			}).Warn("consumer failed, continuing with remaining consumers")
			logger.IncrementConsumerError()
		}
	}
	logger.IncrementDispatched()
}

// deliver invokes one consumer, converting a panic into an error so a
// misbehaving sink cannot take down the ingestion path.
func (d *Dispatcher) deliver(c Consumer, event models.StreamEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return c.OnEvent(event)
}
