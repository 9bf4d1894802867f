package messaging

import (
	"context"
	"sync"

	"github.com/relayforge/redrive/contracts"
)

// publishCall records one publish seen by the fake publisher.
type publishCall struct {
	destination string
	msg         *contracts.Message
	options     PublishOptions
}

// fakePublisher records publishes and can be told to fail per destination.
type fakePublisher struct {
	mu     sync.Mutex
	calls  []publishCall
	errors map[string]error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{errors: make(map[string]error)}
}

func (p *fakePublisher) failOn(destination string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors[destination] = err
}

func (p *fakePublisher) Publish(ctx context.Context, destination string, msg *contracts.Message, options ...PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errors[destination]; err != nil {
		return err
	}
	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}
	p.calls = append(p.calls, publishCall{destination: destination, msg: msg.Clone(), options: opts})
	return nil
}

func (p *fakePublisher) published() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePublisher) last() publishCall {
	calls := p.published()
	return calls[len(calls)-1]
}

// fakeDelivery is a settlement handle that records what happened to it.
type fakeDelivery struct {
	mu       sync.Mutex
	msg      *contracts.Message
	acked    bool
	nacked   bool
	requeued bool
	ackErr   error
}

func newFakeDelivery(msg *contracts.Message) *fakeDelivery {
	return &fakeDelivery{msg: msg}
}

func (d *fakeDelivery) Message() *contracts.Message {
	return d.msg
}

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return d.ackErr
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) wasAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

func (d *fakeDelivery) wasNacked() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked, d.requeued
}

// fakeConsumer serves deliveries from per-destination channels.
type fakeConsumer struct {
	mu       sync.Mutex
	channels map[string]chan Delivery
}

func newFakeConsumer(destinations ...string) *fakeConsumer {
	c := &fakeConsumer{channels: make(map[string]chan Delivery)}
	for _, d := range destinations {
		c.channels[d] = make(chan Delivery, 16)
	}
	return c
}

func (c *fakeConsumer) deliver(destination string, d Delivery) {
	c.mu.Lock()
	ch := c.channels[destination]
	c.mu.Unlock()
	ch <- d
}

func (c *fakeConsumer) Consume(ctx context.Context, destination string) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[destination]
	if !ok {
		ch = make(chan Delivery, 16)
		c.channels[destination] = ch
	}
	return ch, nil
}
