package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures written events for assertions.
type recordingWriter struct {
	mu     sync.Mutex
	events []Event
	only   []EventType
	err    error
}

func (w *recordingWriter) Write(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) Flush() error { return nil }
func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) SupportsEvent(t EventType) bool {
	if len(w.only) == 0 {
		return true
	}
	for _, et := range w.only {
		if et == t {
			return true
		}
	}
	return false
}

type recordingHook struct {
	mu     sync.Mutex
	events []Event
	types  []EventType
}

func (h *recordingHook) OnEvent(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHook) EventTypes() []EventType { return h.types }

func TestDispatchRoutesToMatchingSinks(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	all := &recordingWriter{}
	secOnly := &recordingWriter{only: []EventType{EventTypeSecurity}}
	hook := &recordingHook{types: []EventType{EventTypeCommandResult}}
	d.RegisterWriter(all)
	d.RegisterWriter(secOnly)
	d.RegisterHook(hook)

	sec := &SecurityEvent{BaseEvent: NewBase(EventTypeSecurity, ""), Action: "blocked", Blocked: true}
	res := &CommandResultEvent{BaseEvent: NewBase(EventTypeCommandResult, ""), Status: "success"}
	d.Dispatch(context.Background(), sec)
	d.Dispatch(context.Background(), res)

	assert.Len(t, all.events, 2)
	require.Len(t, secOnly.events, 1)
	assert.Equal(t, EventTypeSecurity, secOnly.events[0].EventType())
	require.Len(t, hook.events, 1)
	assert.Equal(t, EventTypeCommandResult, hook.events[0].EventType())
}

func TestDispatchSurvivesFailingWriter(t *testing.T) {
	t.Parallel()

	d := New(Config{})
	bad := &recordingWriter{err: errors.New("disk full")}
	good := &recordingWriter{}
	d.RegisterWriter(bad)
	d.RegisterWriter(good)

	d.Dispatch(context.Background(), &ConnectionEvent{BaseEvent: NewBase(EventTypeConnection, "")})
	assert.Len(t, good.events, 1)
}

func TestNilDispatcherDrops(t *testing.T) {
	t.Parallel()

	var d *Dispatcher
	d.Dispatch(context.Background(), &CommandStartEvent{BaseEvent: NewBase(EventTypeCommandStart, "")})
	assert.NoError(t, d.Flush())
	assert.NoError(t, d.Close())
}

func TestNewBaseFillsCorrelation(t *testing.T) {
	t.Parallel()

	b := NewBase(EventTypeCommandStart, "")
	assert.NotEmpty(t, b.Correlation)
	assert.False(t, b.Time.IsZero())

	b2 := NewBase(EventTypeCommandStart, "fixed")
	assert.Equal(t, "fixed", b2.CorrelationID())
}

func TestTruncateCommand(t *testing.T) {
	t.Parallel()

	short := "search smb"
	assert.Equal(t, short, TruncateCommand(short))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	got := TruncateCommand(string(long))
	assert.Len(t, got, 203)
	assert.Equal(t, "...", got[200:])
}
