package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvFrame(t *testing.T, sub *InprocSubscriber) Frame {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestInprocDeliversToStartedSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewInproc(zerolog.Nop())
	pub := b.Publisher()

	sub := b.Subscriber(8)
	require.NoError(t, sub.Start(ctx))

	// A subscriber that never started receives nothing.
	idle := b.Subscriber(8)

	require.NoError(t, pub.Publish(ctx, Frame{Token: "tok", Payload: []byte(`{"a":1}`)}))
	require.NoError(t, pub.Publish(ctx, Frame{Token: "tok", Payload: []byte(`{"a":2}`)}))

	first := recvFrame(t, sub)
	assert.Equal(t, "tok", first.Token)
	assert.Equal(t, `{"a":1}`, string(first.Payload))

	second := recvFrame(t, sub)
	assert.Equal(t, `{"a":2}`, string(second.Payload))

	assert.Empty(t, idle.Frames())
}

func TestInprocStoppedSubscriberMissesFrames(t *testing.T) {
	ctx := context.Background()
	b := NewInproc(zerolog.Nop())
	pub := b.Publisher()

	sub := b.Subscriber(8)
	require.NoError(t, sub.Start(ctx))
	require.NoError(t, sub.Stop(ctx))

	// No persistence: frames sent while disconnected are gone.
	require.NoError(t, pub.Publish(ctx, Frame{Token: "tok", Payload: []byte(`{}`)}))

	_, open := <-sub.Frames()
	assert.False(t, open)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestInprocFullBufferDropsFrame(t *testing.T) {
	ctx := context.Background()
	b := NewInproc(zerolog.Nop())
	pub := b.Publisher()

	sub := b.Subscriber(1)
	require.NoError(t, sub.Start(ctx))

	require.NoError(t, pub.Publish(ctx, Frame{Token: "tok", Payload: []byte(`{"a":1}`)}))
	require.NoError(t, pub.Publish(ctx, Frame{Token: "tok", Payload: []byte(`{"a":2}`)}))

	frame := recvFrame(t, sub)
	assert.Equal(t, `{"a":1}`, string(frame.Payload))
	assert.Empty(t, sub.Frames())
}

func TestDecodeFrames(t *testing.T) {
	frame, err := decodeFrames([][]byte{[]byte("PUSH"), []byte("tok"), []byte(`{"key":"k"}`)})
	require.NoError(t, err)
	assert.Equal(t, "tok", frame.Token)
	assert.Equal(t, `{"key":"k"}`, string(frame.Payload))

	_, err = decodeFrames([][]byte{[]byte("PUSH"), []byte("tok")})
	assert.Error(t, err)

	_, err = decodeFrames([][]byte{[]byte("OTHER"), []byte("tok"), []byte(`{}`)})
	assert.Error(t, err)
}
