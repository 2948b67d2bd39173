package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarcast/pkg/types"
)

// recWriter records every message it is asked to write.
type recWriter struct {
	mu     sync.Mutex
	msgs   []Envelope
	got    chan struct{}
	block   chan struct{}
	entered chan struct{}
	fail    error
	closed  chan string
}

func newRecWriter() *recWriter {
	return &recWriter{got: make(chan struct{}, 256), closed: make(chan string, 1)}
}

func (w *recWriter) WriteMessage(ctx context.Context, msg []byte) error {
	if w.block != nil {
		select {
		case w.entered <- struct{}{}:
		default:
		}
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.fail != nil {
		return w.fail
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, env)
	w.mu.Unlock()
	w.got <- struct{}{}
	return nil
}

func (w *recWriter) Close(reason string) error {
	select {
	case w.closed <- reason:
	default:
	}
	return nil
}

// wait blocks until n messages were written.
func (w *recWriter) wait(t *testing.T, n int) []Envelope {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-w.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Envelope(nil), w.msgs...)
}

func (w *recWriter) none(t *testing.T) {
	t.Helper()
	select {
	case <-w.got:
		t.Fatal("unexpected message")
	case <-time.After(50 * time.Millisecond):
	}
}

func register(t *testing.T, h *Hub, id types.ConnID) *recWriter {
	t.Helper()
	w := newRecWriter()
	if err := h.Register(id, w); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	t.Cleanup(func() { h.Unregister(id) })
	return w
}

func TestEncode(t *testing.T) {
	t.Parallel()

	msg, err := Encode("listenerCountUpdated", map[string]int{"count": 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got, want := string(msg), `{"event":"listenerCountUpdated","data":{"count":2}}`; got != want {
		t.Errorf("Encode = %s, want %s", got, want)
	}

	msg, err = Encode("ping", nil)
	if err != nil {
		t.Fatalf("Encode(nil): %v", err)
	}
	if got := string(msg); got != `{"event":"ping"}` {
		t.Errorf("Encode(nil) = %s", got)
	}

	if _, err := Encode("bad", make(chan int)); err == nil {
		t.Error("Encode of an unmarshalable payload should fail")
	}
}

func TestHub_BroadcastReachesRoomOnly(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a := register(t, h, "a")
	b := register(t, h, "b")
	c := register(t, h, "c")

	for _, id := range []types.ConnID{"a", "b"} {
		if err := h.Join(id, "123456"); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	if n := h.Broadcast("123456", "translationResult", map[string]string{"translatedText": "hola"}); n != 2 {
		t.Errorf("Broadcast queued %d, want 2", n)
	}
	for _, w := range []*recWriter{a, b} {
		msgs := w.wait(t, 1)
		if msgs[0].Event != "translationResult" || string(msgs[0].Data) != `{"translatedText":"hola"}` {
			t.Errorf("message = %+v", msgs[0])
		}
	}
	c.none(t)
}

func TestHub_BroadcastEmptyRoom(t *testing.T) {
	t.Parallel()
	if n := NewHub().Broadcast("nobody", "x", nil); n != 0 {
		t.Errorf("Broadcast to empty room = %d, want 0", n)
	}
}

func TestHub_RegisterDuplicate(t *testing.T) {
	t.Parallel()
	h := NewHub()
	register(t, h, "a")
	if err := h.Register("a", newRecWriter()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register = %v, want ErrDuplicate", err)
	}
}

func TestHub_JoinUnknown(t *testing.T) {
	t.Parallel()
	if err := NewHub().Join("ghost", "room"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Join unknown = %v, want ErrNotFound", err)
	}
}

func TestHub_SendTargetsOne(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a := register(t, h, "a")
	b := register(t, h, "b")
	_ = h.Join("a", "r")
	_ = h.Join("b", "r")

	if err := h.Send("a", "error", map[string]string{"message": "Invalid session"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgs := a.wait(t, 1); msgs[0].Event != "error" {
		t.Errorf("event = %q", msgs[0].Event)
	}
	b.none(t)

	if err := h.Send("ghost", "error", nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Send unknown = %v, want ErrNotFound", err)
	}
}

func TestHub_MembersAndLeave(t *testing.T) {
	t.Parallel()
	h := NewHub()
	register(t, h, "b")
	register(t, h, "a")
	_ = h.Join("a", "r")
	_ = h.Join("b", "r")

	got := h.Members("r")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Members = %v, want [a b]", got)
	}
	h.Leave("a", "r")
	if got := h.Members("r"); len(got) != 1 || got[0] != "b" {
		t.Errorf("Members after leave = %v", got)
	}
}

func TestHub_UnregisterReturnsRooms(t *testing.T) {
	t.Parallel()
	h := NewHub()
	if err := h.Register("a", newRecWriter()); err != nil {
		t.Fatal(err)
	}
	_ = h.Join("a", "z")
	_ = h.Join("a", "m")

	rooms := h.Unregister("a")
	if len(rooms) != 2 || rooms[0] != "m" || rooms[1] != "z" {
		t.Errorf("Unregister rooms = %v, want [m z]", rooms)
	}
	if h.Len() != 0 || len(h.Members("z")) != 0 {
		t.Error("connection still tracked after Unregister")
	}
	if rooms := h.Unregister("a"); rooms != nil {
		t.Errorf("second Unregister = %v, want nil", rooms)
	}
}

func TestHub_CloseRoom(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a := register(t, h, "a")
	register(t, h, "b")
	_ = h.Join("a", "123456")
	_ = h.Join("b", "123456")

	if n := h.CloseRoom("123456"); n != 2 {
		t.Errorf("CloseRoom = %d, want 2", n)
	}
	if n := h.Broadcast("123456", "x", nil); n != 0 {
		t.Errorf("Broadcast after close = %d, want 0", n)
	}
	a.none(t)
	if h.Len() != 2 {
		t.Errorf("Len = %d, members must stay connected", h.Len())
	}
}

func TestHub_SlowConsumerDropsThenDisconnects(t *testing.T) {
	t.Parallel()
	h := NewHub(WithQueueSize(1), WithMaxDrops(3), WithWriteTimeout(time.Second))

	slow := newRecWriter()
	slow.block = make(chan struct{})
	slow.entered = make(chan struct{}, 1)
	if err := h.Register("slow", slow); err != nil {
		t.Fatal(err)
	}
	_ = h.Join("slow", "r")

	// The pump holds the first message in WriteMessage.
	h.Broadcast("r", "m", nil)
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pump never started writing")
	}

	// One fits in the queue, the next three are dropped.
	queued := 0
	for i := 0; i < 4; i++ {
		queued += h.Broadcast("r", "m", nil)
	}
	if queued != 1 {
		t.Errorf("queued %d, want 1", queued)
	}

	select {
	case reason := <-slow.closed:
		if reason != "slow consumer" {
			t.Errorf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
	close(slow.block)
	h.Unregister("slow")
}

func TestHub_WriteFailureDisconnects(t *testing.T) {
	t.Parallel()
	h := NewHub()
	w := newRecWriter()
	w.fail = errors.New("broken pipe")
	if err := h.Register("a", w); err != nil {
		t.Fatal(err)
	}
	defer h.Unregister("a")

	_ = h.Send("a", "m", nil)
	select {
	case reason := <-w.closed:
		if reason != "write failed" {
			t.Errorf("close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed writer was not closed")
	}
	// Further sends must not block even though the pump stopped writing.
	for i := 0; i < DefaultQueueSize*2; i++ {
		_ = h.Send("a", "m", nil)
	}
}

func TestHub_ConcurrentBroadcast(t *testing.T) {
	t.Parallel()
	h := NewHub(WithQueueSize(1024))
	w := register(t, h, "a")
	_ = h.Join("a", "r")

	const senders, each = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				h.Broadcast("r", "m", j)
			}
		}()
	}
	wg.Wait()
	if got := len(w.wait(t, senders*each)); got != senders*each {
		t.Errorf("delivered %d, want %d", got, senders*each)
	}
}
