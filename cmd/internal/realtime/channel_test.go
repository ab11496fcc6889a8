package realtime

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	v1 "workkap/shared/contracts/messaging/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEnvelope(t *testing.T, typ string) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(8),
		TS:      time.Now().UTC(),
		Payload: json.RawMessage(`{}`),
	}
}

func TestChannel_BroadcastReachesAllConnections(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "user-1")
	c1 := NewClient("conn-1", 8)
	c2 := NewClient("conn-2", 8)
	ch.Join(c1)
	ch.Join(c2)

	env := testEnvelope(t, v1.TypeMessageNew)
	ch.Broadcast(env)

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.Send:
			if got.ID != env.ID {
				t.Fatalf("conn %s got wrong envelope: %s", c.ConnID, got.ID)
			}
		default:
			t.Fatalf("conn %s did not receive the broadcast", c.ConnID)
		}
	}
}

func TestChannel_BroadcastDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "user-1")
	full := NewClient("conn-full", 1)
	ch.Join(full)

	ch.Broadcast(testEnvelope(t, v1.TypeMessageNew))
	// Queue is full now; the second broadcast must not block.
	done := make(chan struct{})
	go func() {
		ch.Broadcast(testEnvelope(t, v1.TypeMessageNew))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full queue")
	}

	if len(full.Send) != 1 {
		t.Fatalf("queue len=%d want 1 (second frame dropped)", len(full.Send))
	}
}

func TestChannel_LeaveClosesClientAndSkipsBroadcast(t *testing.T) {
	t.Parallel()

	ch := NewChannel(testLogger(), "user-1")
	c := NewClient("conn-1", 8)
	ch.Join(c)
	ch.Leave("conn-1")

	select {
	case <-c.Done():
	default:
		t.Fatalf("leave must close the client")
	}

	ch.Broadcast(testEnvelope(t, v1.TypeMessageNew))
	if len(c.Send) != 0 {
		t.Fatalf("closed client must not receive broadcasts")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("conn-1", 8)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("done must be closed")
	}
}

func TestHub_ChannelHandlesAreStable(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())

	a := hub.GetOrCreateChannel("user-1")
	b := hub.GetOrCreateChannel("user-1")
	if a != b {
		t.Fatalf("same user must share one channel")
	}

	if _, ok := hub.Channel("user-2"); ok {
		t.Fatalf("lookup must not create channels")
	}
	hub.GetOrCreateChannel("user-2")
	if _, ok := hub.Channel("user-2"); !ok {
		t.Fatalf("channel must exist after GetOrCreate")
	}
}
