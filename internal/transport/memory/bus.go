// Package memory provides an in-process broadcast key-value bus with the
// same contract as the device transport: a change notification fires on
// every attached node, the writer included, if and only if the newly written
// payload differs byte-for-byte from what was previously stored under the
// topic. It backs tests and the single-process loopback demo.
package memory

import (
	"bytes"
	"context"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/sync"
)

// Bus is the shared topic store both nodes attach to.
type Bus struct {
	mu     stdsync.Mutex
	topics map[string][]byte
	ports  []*Port
	logger *zap.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		topics: make(map[string][]byte),
		logger: logger,
	}
}

// Attach registers a node and returns its transport endpoint. The handler
// receives notifications for every write on the bus, including the node's
// own; echo suppression is the listener's job, as it is on the real
// transport.
func (b *Bus) Attach(handler sync.Handler) *Port {
	port := &Port{bus: b, handler: handler}
	b.mu.Lock()
	b.ports = append(b.ports, port)
	b.mu.Unlock()
	return port
}

// Stored returns a copy of the payload currently held under a topic.
func (b *Bus) Stored(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.topics[topic]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

func (b *Bus) put(topic string, payload []byte) {
	b.mu.Lock()
	previous, exists := b.topics[topic]
	if exists && bytes.Equal(previous, payload) {
		// Unchanged bytes: stored value already matches, nobody is notified.
		b.mu.Unlock()
		return
	}
	stored := append([]byte(nil), payload...)
	b.topics[topic] = stored
	ports := append([]*Port(nil), b.ports...)
	b.mu.Unlock()

	b.logger.Debug("bus change", zap.String("topic", topic), zap.Int("subscribers", len(ports)))
	for _, port := range ports {
		if port.handler != nil {
			port.handler.OnChanged(topic, append([]byte(nil), stored...), sync.ChangeTypeChanged)
		}
	}
}

// Port is one node's endpoint on the bus.
type Port struct {
	bus     *Bus
	handler sync.Handler
}

var _ sync.Transport = (*Port)(nil)

// Put implements sync.Transport.
func (p *Port) Put(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.put(topic, payload)
	return nil
}
