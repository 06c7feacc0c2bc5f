package tracehub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/dxw/internal/domain"
)

func writeReplay(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func drain(t *testing.T, feed Feed) []domain.TraceEvent {
	t.Helper()
	var out []domain.TraceEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-feed.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("replay did not finish")
		}
	}
}

func TestReplaySource(t *testing.T) {
	path := writeReplay(t,
		`{"type":"trace_start","schemaVersion":1}`,
		`{"type":"trace_event","event_class":"QueryBegin","text_data":"EVALUATE Sales","session_id":"s1"}`,
		``,
		`{"event_class":"QueryEnd","duration_ms":12}`,
	)
	src := &ReplaySource{Path: path}

	feed, err := src.Open(context.Background(), Request{})
	require.NoError(t, err)
	defer feed.Close()

	events := drain(t, feed)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventQueryBegin, events[0].EventClass)
	assert.Equal(t, "EVALUATE Sales", events[0].TextData)
	assert.Equal(t, domain.EventQueryEnd, events[1].EventClass)
	assert.Equal(t, int64(12), events[1].Duration)
	assert.NoError(t, feed.Err())
}

func TestReplaySourceMalformedLine(t *testing.T) {
	path := writeReplay(t,
		`{"event_class":"QueryBegin"}`,
		`{not json`,
		`{"event_class":"QueryEnd"}`,
	)
	feed, err := (&ReplaySource{Path: path}).Open(context.Background(), Request{})
	require.NoError(t, err)
	defer feed.Close()

	events := drain(t, feed)
	assert.Len(t, events, 1)
	require.Error(t, feed.Err())
	assert.Contains(t, feed.Err().Error(), "line 2")
}

func TestReplaySourceMissingFile(t *testing.T) {
	_, err := (&ReplaySource{Path: filepath.Join(t.TempDir(), "nope.ndjson")}).Open(context.Background(), Request{})
	require.Error(t, err)
}

func TestReplaySourcePacingAndClose(t *testing.T) {
	path := writeReplay(t,
		`{"event_class":"QueryBegin"}`,
		`{"event_class":"QueryEnd"}`,
		`{"event_class":"Error"}`,
	)
	mock := clock.NewMock()
	feed, err := (&ReplaySource{Path: path, Interval: time.Minute, Clock: mock}).Open(context.Background(), Request{})
	require.NoError(t, err)

	first := <-feed.Events()
	assert.Equal(t, domain.EventQueryBegin, first.EventClass)

	select {
	case ev := <-feed.Events():
		t.Fatalf("event %s arrived before its interval", ev.EventClass)
	case <-time.After(20 * time.Millisecond):
	}

	var second domain.TraceEvent
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		select {
		case second = <-feed.Events():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventQueryEnd, second.EventClass)

	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())
}
