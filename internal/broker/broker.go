// Package broker provides the topic-filtered publish/subscribe transport
// that decouples the HTTP front-ends from the connection-holding edge
// nodes. The layer is at-most-once with no persistence: a subscriber that
// is not connected at send time never sees the frame, and catch-up is the
// storage layer's job.
package broker

import "context"

// Topic is the single subscription filter fan-out frames are sent under.
const Topic = "PUSH"

// DefaultSubscriberBuffer is the frame backlog a subscriber holds before
// it starts dropping.
const DefaultSubscriberBuffer = 256

// Frame is one fan-out notification: the recipient token plus the
// JSON-serialized message object.
type Frame struct {
	Token   string
	Payload []byte
}

// Publisher is the send side of the fabric.
type Publisher interface {
	Publish(ctx context.Context, frame Frame) error
	Close() error
}

// Subscriber is the receive side. Frames are pushed onto the channel in
// the order they arrive from each publisher; the channel closes after
// Stop.
type Subscriber interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Frames() <-chan Frame
	Done() <-chan struct{}
}
