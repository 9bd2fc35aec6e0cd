package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/internal/storage/memory"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

type testFixture struct {
	mux      *Multiplexer
	pub      *broker.InprocPublisher
	store    *memory.Storage
	wsServer *httptest.Server
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := broker.NewInproc(zerolog.Nop())
	sub := b.Subscriber(16)
	store := memory.New()

	m := NewMultiplexer("0", "edge-1:9000", sub, store, zerolog.Nop())

	require.NoError(t, sub.Start(ctx))
	go m.deliveryLoop(ctx)
	t.Cleanup(func() { _ = sub.Stop(context.Background()) })

	wsServer := httptest.NewServer(m.Handler())
	t.Cleanup(wsServer.Close)

	return &testFixture{mux: m, pub: b.Publisher(), store: store, wsServer: wsServer}
}

func (f *testFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.wsServer.URL, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *testFixture) identify(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("token: "+token)))
	require.Eventually(t, func() bool {
		_, ok := f.mux.sessions.Load(token)
		return ok
	}, time.Second, 10*time.Millisecond, "session for %s never registered", token)
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame on this connection")
}

func publishMessage(t *testing.T, pub *broker.InprocPublisher, token string, msg push.Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), broker.Frame{Token: token, Payload: payload}))
}

func TestDeliverToIdentifiedConnection(t *testing.T) {
	f := setup(t)

	conn := f.dial(t)
	f.identify(t, conn, "tok")

	msg := push.Message{Key: "k1", Timestamp: 1, Queue: "q1", Body: json.RawMessage(`{"title":"one"}`)}
	publishMessage(t, f.pub, "tok", msg)

	var got push.Message
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &got))
	assert.Equal(t, msg, got, "payload must arrive unmodified")
}

func TestFramesForAbsentTokenAreNoOps(t *testing.T) {
	f := setup(t)

	conn := f.dial(t)
	f.identify(t, conn, "tok")

	publishMessage(t, f.pub, "someone-else", push.Message{Key: "k1"})
	assertNoFrame(t, conn)
}

func TestStrayMessagesBeforeIdentificationAreIgnored(t *testing.T) {
	f := setup(t)

	conn := f.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello?")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("token: ")))
	f.identify(t, conn, "tok")

	publishMessage(t, f.pub, "tok", push.Message{Key: "k1"})
	data := readFrame(t, conn)
	assert.Contains(t, string(data), "k1")
}

func TestReconnectSupersedesPriorConnection(t *testing.T) {
	f := setup(t)

	oldConn := f.dial(t)
	f.identify(t, oldConn, "tok")
	oldValue, _ := f.mux.sessions.Load("tok")

	newConn := f.dial(t)
	require.NoError(t, newConn.WriteMessage(websocket.TextMessage, []byte("token: tok")))
	require.Eventually(t, func() bool {
		value, ok := f.mux.sessions.Load("tok")
		return ok && value != oldValue
	}, time.Second, 10*time.Millisecond, "new session never superseded the old one")

	publishMessage(t, f.pub, "tok", push.Message{Key: "after-reconnect"})

	data := readFrame(t, newConn)
	assert.Contains(t, string(data), "after-reconnect")

	// The superseded socket was closed server-side and receives nothing.
	require.NoError(t, oldConn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := oldConn.ReadMessage()
	assert.Error(t, err)

	// Its teardown must not evict the newer session.
	_, ok := f.mux.sessions.Load("tok")
	assert.True(t, ok)
}

func TestDisconnectReleasesTableEntryAndLoad(t *testing.T) {
	f := setup(t)

	conn := f.dial(t)
	f.identify(t, conn, "tok")
	assert.Equal(t, int64(1), f.mux.liveCount.Load())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := f.mux.sessions.Load("tok")
		return !ok
	}, time.Second, 10*time.Millisecond, "session entry never released")
	assert.Equal(t, int64(0), f.mux.liveCount.Load())

	// The node keeps advertising itself with its current load.
	nodes, err := f.store.EdgeNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"edge-1:9000"}, nodes)
}

func TestDeliveryAfterDisconnectIsSkipped(t *testing.T) {
	f := setup(t)

	conn := f.dial(t)
	f.identify(t, conn, "tok")
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := f.mux.sessions.Load("tok")
		return !ok
	}, time.Second, 10*time.Millisecond)

	// No buffering for absent tokens at this layer.
	publishMessage(t, f.pub, "tok", push.Message{Key: "k-late"})
}
