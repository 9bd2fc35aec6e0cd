package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// ZMQPublisher is the send side over a ZeroMQ PUB socket. Each relay
// front-end binds one endpoint; edge-node subscribers dial every relay.
// Wire frame: 3 parts (topic, token, payload), matching the SUB filter.
type ZMQPublisher struct {
	mu     sync.Mutex
	socket zmq4.Socket
	logger zerolog.Logger
}

// NewZMQPublisher binds a PUB socket on the given endpoint,
// e.g. "tcp://0.0.0.0:5563".
func NewZMQPublisher(ctx context.Context, endpoint string, logger zerolog.Logger) (*ZMQPublisher, error) {
	socket := zmq4.NewPub(ctx)
	if err := socket.Listen(endpoint); err != nil {
		return nil, fmt.Errorf("failed to bind pub socket on %s: %w", endpoint, err)
	}
	logger.Info().Str("endpoint", endpoint).Msg("PUB socket bound")
	return &ZMQPublisher{
		socket: socket,
		logger: logger.With().Str("component", "zmq_publisher").Logger(),
	}, nil
}

func (p *ZMQPublisher) Publish(_ context.Context, frame Frame) error {
	msg := zmq4.NewMsgFrom([]byte(Topic), []byte(frame.Token), frame.Payload)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.socket.Send(msg); err != nil {
		return fmt.Errorf("failed to send fan-out frame: %w", err)
	}
	return nil
}

func (p *ZMQPublisher) Close() error {
	return p.socket.Close()
}

// ZMQSubscriber is the receive side over a ZeroMQ SUB socket dialed to
// every relay endpoint, filtered on Topic.
type ZMQSubscriber struct {
	socket    zmq4.Socket
	endpoints []string
	frames    chan Frame
	done      chan struct{}
	stopOnce  sync.Once
	logger    zerolog.Logger
}

// NewZMQSubscriber creates a subscriber for the given relay endpoints.
func NewZMQSubscriber(ctx context.Context, endpoints []string, buffer int, logger zerolog.Logger) *ZMQSubscriber {
	return &ZMQSubscriber{
		socket:    zmq4.NewSub(ctx),
		endpoints: endpoints,
		frames:    make(chan Frame, buffer),
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "zmq_subscriber").Logger(),
	}
}

func (s *ZMQSubscriber) Start(_ context.Context) error {
	for _, endpoint := range s.endpoints {
		if err := s.socket.Dial(endpoint); err != nil {
			return fmt.Errorf("failed to dial pub endpoint %s: %w", endpoint, err)
		}
		s.logger.Info().Str("endpoint", endpoint).Msg("SUB socket dialed")
	}
	if err := s.socket.SetOption(zmq4.OptionSubscribe, Topic); err != nil {
		return fmt.Errorf("failed to install topic filter: %w", err)
	}

	go s.recvLoop()
	return nil
}

// recvLoop is the only writer and closer of the frames channel.
func (s *ZMQSubscriber) recvLoop() {
	defer close(s.frames)
	for {
		msg, err := s.socket.Recv()
		if err != nil {
			select {
			case <-s.done:
				// Shutting down.
			default:
				s.logger.Error().Err(err).Msg("SUB socket receive failed")
			}
			return
		}

		frame, err := decodeFrames(msg.Frames)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed fan-out frame")
			continue
		}
		select {
		case <-s.done:
			return
		case s.frames <- frame:
		default:
			s.logger.Warn().Str("token", frame.Token).Msg("Frame buffer full, dropping frame")
		}
	}
}

func (s *ZMQSubscriber) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	// Closing the socket unblocks the recv loop, which closes Frames.
	return s.socket.Close()
}

func (s *ZMQSubscriber) Frames() <-chan Frame  { return s.frames }
func (s *ZMQSubscriber) Done() <-chan struct{} { return s.done }

// decodeFrames validates and unpacks a 3-part fan-out wire message.
func decodeFrames(parts [][]byte) (Frame, error) {
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("expected 3 frame parts, got %d", len(parts))
	}
	if string(parts[0]) != Topic {
		return Frame{}, fmt.Errorf("unexpected topic %q", parts[0])
	}
	return Frame{Token: string(parts[1]), Payload: parts[2]}, nil
}
