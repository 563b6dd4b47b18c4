package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport records every frame it is asked to send.
type fakeTransport struct {
	id ConnID

	mu     sync.Mutex
	frames []Frame
	closed bool

	// sendErr is returned by Send when set.
	sendErr error

	// panics makes Send panic.
	panics bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: ConnID(id)}
}

func (f *fakeTransport) ID() ConnID {
	return f.id
}

func (f *fakeTransport) Send(frame Frame) error {
	if f.panics {
		panic("send exploded")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.frames...)
}

func (f *fakeTransport) Events() []EventName {
	frames := f.Frames()
	names := make([]EventName, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

// remoteFrame is a frame "published by another node" in fakeBridge.
type remoteFrame struct {
	room  RoomID
	frame Frame
}

// fakeBridge records published frames. Its first failures Subscribe calls fail; later ones
// deliver whatever is sent on remote.
type fakeBridge struct {
	mu        sync.Mutex
	published []RoomID
	err       error

	failures   int32
	attempts   atomic.Int32
	subscribed atomic.Bool
	remote     chan remoteFrame
}

func (b *fakeBridge) Publish(_ context.Context, room RoomID, _ Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, room)
	return b.err
}

func (b *fakeBridge) Subscribe(ctx context.Context, deliver func(RoomID, Frame)) error {
	if b.attempts.Add(1) <= b.failures {
		return errBroken
	}

	b.subscribed.Store(true)
	defer b.subscribed.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rf := <-b.remote:
			deliver(rf.room, rf.frame)
		}
	}
}

func (b *fakeBridge) Subscribed() bool {
	return b.subscribed.Load()
}

func (b *fakeBridge) Close() error {
	return nil
}

func (b *fakeBridge) Rooms() []RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RoomID(nil), b.published...)
}

var errBroken = errors.New("broken pipe")

func rawFrame(t *testing.T, name EventName, raw string) Frame {
	t.Helper()
	require.True(t, json.Valid([]byte(raw)), "invalid json in test: %s", raw)
	return Frame{Event: name, Data: json.RawMessage(raw)}
}
