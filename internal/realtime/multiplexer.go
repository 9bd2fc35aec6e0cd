// Package realtime holds live client connections on one edge node and
// delivers broker frames addressed to a connected token.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/internal/metrics"
)

// identPrefix is the literal identification preamble a client must send as
// its first meaningful message: "token: <token>".
const identPrefix = "token: "

// outBufferSize bounds each connection's outbound queue. A connection that
// cannot drain this many frames is treated as dead.
const outBufferSize = 32

// NodeRegistry is the slice of Storage the multiplexer needs to advertise
// itself and its load to new clients.
type NodeRegistry interface {
	AddEdgeNode(ctx context.Context, addr string, load int) error
}

// session is one identified connection. The multiplexer's table maps a
// token to at most one session; a later session for the same token
// supersedes the earlier one.
type session struct {
	token     string
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Multiplexer owns the token -> connection table for one edge node. The
// table is never shared: delivery, registration, and teardown all go
// through its methods.
type Multiplexer struct {
	server        *http.Server
	upgrader      websocket.Upgrader
	subscriber    broker.Subscriber
	registry      NodeRegistry
	advertiseAddr string

	sessions  sync.Map // token -> *session
	liveCount atomic.Int64

	ready      chan struct{}
	listenAddr atomic.Value // string, set once the listener is bound

	logger     zerolog.Logger
	instanceID string
}

// NewMultiplexer wires up the edge node's WebSocket server. advertiseAddr
// is the address registered in the edge-node listing (what clients dial);
// port is where the server actually listens.
func NewMultiplexer(
	port string,
	advertiseAddr string,
	subscriber broker.Subscriber,
	registry NodeRegistry,
	logger zerolog.Logger,
) *Multiplexer {
	instanceID := uuid.NewString()
	m := &Multiplexer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Tokens are bearer capabilities; origin is not part of the
				// protocol's trust model.
				return true
			},
		},
		subscriber:    subscriber,
		registry:      registry,
		advertiseAddr: advertiseAddr,
		ready:         make(chan struct{}),
		logger:        logger.With().Str("component", "Multiplexer").Str("instance", instanceID).Logger(),
		instanceID:    instanceID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.connectHandler)
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return m
}

// Handler exposes the HTTP handler for tests.
func (m *Multiplexer) Handler() http.Handler { return m.server.Handler }

// Ready is closed once the listener is bound.
func (m *Multiplexer) Ready() <-chan struct{} { return m.ready }

// Addr returns the bound listen address; empty before Ready.
func (m *Multiplexer) Addr() string {
	if addr, ok := m.listenAddr.Load().(string); ok {
		return addr
	}
	return ""
}

// Start subscribes to the broker, registers this node, and serves
// WebSocket connections until the server is shut down.
func (m *Multiplexer) Start(ctx context.Context) error {
	if err := m.subscriber.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker subscriber: %w", err)
	}
	go m.deliveryLoop(ctx)

	m.reportLoad(ctx)

	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("websocket listener failed: %w", err)
	}
	m.listenAddr.Store(ln.Addr().String())
	close(m.ready)

	m.logger.Info().Str("addr", ln.Addr().String()).Msg("WebSocket server starting...")
	if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, the broker subscription, and every live
// connection.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down multiplexer...")
	var finalErr error

	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}
	if err := m.subscriber.Stop(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Broker subscriber stop failed.")
		if finalErr == nil {
			finalErr = err
		}
	}

	m.sessions.Range(func(token, value any) bool {
		m.drop(token.(string), value.(*session))
		return true
	})

	m.logger.Info().Msg("Multiplexer shut down.")
	return finalErr
}

// deliveryLoop feeds broker frames into the live-connection table. It is
// one of the two independent event sources (the other being each socket's
// read loop); neither blocks the other.
func (m *Multiplexer) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.subscriber.Done():
			return
		case frame, ok := <-m.subscriber.Frames():
			if !ok {
				return
			}
			m.deliver(frame)
		}
	}
}

// deliver hands one frame to the token's session, if any. An absent token
// is a no-op: the client will catch up from storage.
func (m *Multiplexer) deliver(frame broker.Frame) {
	value, ok := m.sessions.Load(frame.Token)
	if !ok {
		metrics.FramesNoConnection.Inc()
		return
	}
	sess := value.(*session)

	select {
	case sess.out <- frame.Payload:
	default:
		// A send that cannot be queued means the connection is dead or
		// hopelessly behind; tear it down rather than leave a stale entry
		// silently dropping future frames.
		metrics.FramesDropped.Inc()
		m.logger.Warn().Str("token", frame.Token).Msg("Outbound queue full, dropping connection")
		m.drop(frame.Token, sess)
	}
}

// connectHandler upgrades the request and runs the connection state
// machine: Connecting until a valid identification message, Identified
// until the socket closes.
func (m *Multiplexer) connectHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	token, err := m.awaitIdentification(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	sess := &session{
		token: token,
		conn:  conn,
		out:   make(chan []byte, outBufferSize),
		done:  make(chan struct{}),
	}
	m.register(token, sess)
	go m.writeLoop(sess)

	m.logger.Info().Str("token", token).Msg("Client identified.")

	// Read loop: inbound data is ignored after identification, but reading
	// is what detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	m.drop(token, sess)
	m.logger.Info().Str("token", token).Msg("Client disconnected.")
}

// awaitIdentification reads until the client declares a token. Messages
// that are not a well-formed identification are ignored, matching the
// protocol's "first client message must be 'token: <token>'" contract
// while tolerating stray frames.
func (m *Multiplexer) awaitIdentification(conn *websocket.Conn) (string, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		msg := string(data)
		if !strings.HasPrefix(msg, identPrefix) {
			m.logger.Warn().Msg("Ignoring message before identification")
			continue
		}
		token := strings.TrimPrefix(msg, identPrefix)
		if token == "" {
			m.logger.Warn().Msg("Ignoring empty identification token")
			continue
		}
		return token, nil
	}
}

// writeLoop is the session's single writer, so one slow socket never
// blocks delivery to another token.
func (m *Multiplexer) writeLoop(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case payload := <-sess.out:
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				m.logger.Warn().Err(err).Str("token", sess.token).Msg("Socket write failed, dropping connection")
				metrics.FramesDropped.Inc()
				m.drop(sess.token, sess)
				return
			}
			metrics.FramesDelivered.Inc()
		}
	}
}

// register installs the session, superseding any prior connection for the
// same token on this node. The superseded socket is closed but its table
// entry is already gone, so its eventual read-loop exit removes nothing.
func (m *Multiplexer) register(token string, sess *session) {
	prev, loaded := m.sessions.Swap(token, sess)
	if loaded {
		m.logger.Info().Str("token", token).Msg("Superseding existing connection.")
		prev.(*session).close()
	} else {
		m.liveCount.Add(1)
		metrics.LiveConnections.Inc()
	}
	m.reportLoad(context.Background())
}

// drop removes the token's entry only if it still points at this session,
// then closes it. A stale close never evicts a newer connection.
func (m *Multiplexer) drop(token string, sess *session) {
	if m.sessions.CompareAndDelete(token, sess) {
		m.liveCount.Add(-1)
		metrics.LiveConnections.Dec()
		m.reportLoad(context.Background())
	}
	sess.close()
}

// reportLoad re-registers this node with its live connection count as the
// load score, keeping the edge-node listing current.
func (m *Multiplexer) reportLoad(ctx context.Context) {
	if m.registry == nil || m.advertiseAddr == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.registry.AddEdgeNode(ctx, m.advertiseAddr, int(m.liveCount.Load())); err != nil {
		m.logger.Error().Err(err).Msg("Failed to report node load.")
	}
}
