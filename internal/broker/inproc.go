package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Inproc is a channel-based broker for tests and single-process runs.
// Publishers and subscribers attached to the same Inproc are connected;
// a subscriber only receives frames sent while it is started.
type Inproc struct {
	mu     sync.RWMutex
	subs   map[*InprocSubscriber]struct{}
	logger zerolog.Logger
}

// NewInproc creates an empty in-process broker.
func NewInproc(logger zerolog.Logger) *Inproc {
	return &Inproc{
		subs:   make(map[*InprocSubscriber]struct{}),
		logger: logger.With().Str("component", "inproc_broker").Logger(),
	}
}

// Publisher returns a send handle onto this broker.
func (b *Inproc) Publisher() *InprocPublisher {
	return &InprocPublisher{broker: b}
}

// Subscriber returns a receive handle with the given frame buffer.
func (b *Inproc) Subscriber(buffer int) *InprocSubscriber {
	return &InprocSubscriber{
		broker: b,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (b *Inproc) send(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.frames <- frame:
		default:
			// At-most-once layer: a full subscriber drops the frame.
			b.logger.Warn().Str("token", frame.Token).Msg("Subscriber buffer full, dropping frame")
		}
	}
}

// InprocPublisher implements Publisher.
type InprocPublisher struct {
	broker *Inproc
}

func (p *InprocPublisher) Publish(_ context.Context, frame Frame) error {
	p.broker.send(frame)
	return nil
}

func (p *InprocPublisher) Close() error { return nil }

// InprocSubscriber implements Subscriber.
type InprocSubscriber struct {
	broker   *Inproc
	frames   chan Frame
	done     chan struct{}
	stopOnce sync.Once
}

func (s *InprocSubscriber) Start(_ context.Context) error {
	s.broker.mu.Lock()
	s.broker.subs[s] = struct{}{}
	s.broker.mu.Unlock()
	return nil
}

func (s *InprocSubscriber) Stop(_ context.Context) error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	s.stopOnce.Do(func() {
		close(s.done)
		close(s.frames)
	})
	return nil
}

func (s *InprocSubscriber) Frames() <-chan Frame { return s.frames }
func (s *InprocSubscriber) Done() <-chan struct{} { return s.done }
