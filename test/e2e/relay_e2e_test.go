// End-to-end walkthrough of the whole system running in one process:
// a relay serving the HTTP API, an edge node holding websocket
// connections, and the in-process broker between them.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/realtime"
	"github.com/tinywideclouds/go-push-relay/internal/storage/memory"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

const edgeAddr = "edge-1.test:8081"

type system struct {
	relayURL string
	edgeWS   string
	client   *http.Client
}

func startSystem(t *testing.T) *system {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memory.New()
	bus := broker.NewInproc(logger)

	cfg := &config.AppConfig{
		APIPort: "0",
		Storage: config.YamlStorageConfig{Type: config.StorageMemory},
	}
	relay := pushrelay.New(cfg, store, fanout.NewBridge(bus.Publisher(), logger), logger)
	edge := realtime.NewMultiplexer("0", edgeAddr, bus.Subscriber(16), store, logger)

	go func() { _ = relay.Start(ctx) }()
	go func() { _ = edge.Start(ctx) }()
	select {
	case <-relay.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("relay never became ready")
	}
	select {
	case <-edge.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("edge never became ready")
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = relay.Shutdown(shutdownCtx)
		_ = edge.Shutdown(shutdownCtx)
	})

	return &system{
		relayURL: "http://" + relay.Addr(),
		edgeWS:   "ws://" + edge.Addr() + "/",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *system) request(t *testing.T, method, path string, payload any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, s.relayURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	decoded := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (s *system) post(t *testing.T, path string, payload any) map[string]json.RawMessage {
	t.Helper()
	resp, body := s.request(t, http.MethodPost, path, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body
}

func postedMessage(t *testing.T, body map[string]json.RawMessage) push.Message {
	t.Helper()
	var messages []push.Message
	require.NoError(t, json.Unmarshal(body["messages"], &messages))
	require.Len(t, messages, 1)
	return messages[0]
}

// readFrame waits for one live frame from the reader goroutine.
func readFrame(t *testing.T, frames <-chan push.Message, timeout time.Duration) (push.Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-frames:
		return msg, ok
	case <-time.After(timeout):
		return push.Message{}, false
	}
}

// connect dials the edge node, identifies as token, and synchronizes by
// posting probe messages until one is delivered live. Fan-out is
// at-most-once, so probes posted before the edge registers the session
// are simply lost; the returned count says how many probes reached
// storage.
func connect(t *testing.T, s *system, token, queue string) (<-chan push.Message, int) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.edgeWS, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("token: "+token)))

	frames := make(chan push.Message, 64)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg push.Message
			if json.Unmarshal(data, &msg) == nil {
				frames <- msg
			}
		}
	}()

	probes := 0
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "edge never delivered a probe")
		s.post(t, queue, map[string]string{"probe": "sync"})
		probes++
		if _, ok := readFrame(t, frames, 200*time.Millisecond); ok {
			break
		}
	}
	// Later probes may have been delivered too; drain them.
	for {
		if _, ok := readFrame(t, frames, 200*time.Millisecond); !ok {
			break
		}
	}
	return frames, probes
}

func TestRelayEdgeWalkthrough(t *testing.T) {
	s := startSystem(t)

	// A fresh token comes with its personal history queue.
	body := s.post(t, "/token/", nil)
	var token, personal string
	require.NoError(t, json.Unmarshal(body["token"], &token))
	require.NoError(t, json.Unmarshal(body["queue"], &personal))

	// The edge node registered itself, so the listing offers it.
	resp, body := s.request(t, http.MethodGet, "/nodes/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []string
	require.NoError(t, json.Unmarshal(body["nodes"], &nodes))
	assert.Equal(t, []string{edgeAddr}, nodes)

	// Register a queue for a site and confirm it lists.
	body = s.post(t, "/queue/", map[string]string{"token": token, "domain": "example.com"})
	var queue string
	require.NoError(t, json.Unmarshal(body["queue"], &queue))

	resp, body = s.request(t, http.MethodGet, "/queue/?token="+token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed string
	require.NoError(t, json.Unmarshal(body["example.com"], &listed))
	assert.Equal(t, queue, listed)

	frames, probes := connect(t, s, token, queue)

	// Three posts arrive live, in order, byte for byte.
	var posted []push.Message
	for _, title := range []string{"one", "two", "three"} {
		msg := postedMessage(t, s.post(t, queue, map[string]string{"title": title}))
		posted = append(posted, msg)

		live, ok := readFrame(t, frames, 5*time.Second)
		require.True(t, ok, "no live delivery for %q", title)
		assert.Equal(t, msg, live)
	}

	// The personal queue holds the probes plus the three posts.
	resp, body = s.request(t, http.MethodGet, personal+"?token="+token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []push.Message
	require.NoError(t, json.Unmarshal(body["messages"], &history))
	require.Len(t, history, probes+3)
	assert.Equal(t, posted, history[probes:])

	// A since-query returns the strict suffix.
	sinceURL := personal + "?token=" + token + "&since=" + strconv.FormatInt(posted[1].Timestamp, 10)
	resp, body = s.request(t, http.MethodGet, sinceURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var suffix []push.Message
	require.NoError(t, json.Unmarshal(body["messages"], &suffix))
	require.Len(t, suffix, 1)
	assert.Equal(t, posted[2], suffix[0])

	// A read receipt posted to the personal queue is an ordinary message:
	// stored, and pushed live to the device's other connections.
	receipt := postedMessage(t, s.post(t, personal, map[string]string{"read": posted[0].Key}))
	live, ok := readFrame(t, frames, 5*time.Second)
	require.True(t, ok, "no live delivery for read receipt")
	assert.Equal(t, receipt, live)

	// Revoking the queue makes further posts vanish into a 404.
	resp, _ = s.request(t, http.MethodDelete, queue+"?token="+token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.request(t, http.MethodPost, queue, map[string]string{"title": "after delete"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, ok = readFrame(t, frames, 300*time.Millisecond)
	assert.False(t, ok, "rejected post must not fan out")
}
