package sync

import "context"

// ChangeType mirrors the transport's change notification kinds.
type ChangeType string

const (
	// ChangeTypeChanged fires when the payload stored under a topic differs
	// from what was previously stored there.
	ChangeTypeChanged ChangeType = "changed"
	// ChangeTypeDeleted fires when a topic is removed.
	ChangeTypeDeleted ChangeType = "deleted"
)

// Transport is the opaque asynchronous key-value broadcast channel between
// the two nodes. Writing a value under a topic causes a change notification
// on the peer's listener if and only if the payload differs from what was
// previously stored at that topic. Delivery may be reordered, duplicated,
// delayed, or lost; some transports also deliver a node's own writes back to
// it.
type Transport interface {
	// Put stores the payload under the topic and broadcasts the change.
	Put(ctx context.Context, topic string, payload []byte) error
}

// Handler receives inbound change notifications from a transport.
type Handler interface {
	OnChanged(topic string, payload []byte, change ChangeType)
}
