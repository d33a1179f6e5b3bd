package syncworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/types"
)

type fakeProbe struct {
	err error
}

func (f *fakeProbe) Ping(ctx context.Context) error { return f.err }

type fakeIndividualWriter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeIndividualWriter) Create(ctx context.Context, path string, record types.AttendanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeOnlineSetter struct {
	mu     sync.Mutex
	values []bool
}

func (f *fakeOnlineSetter) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, online)
}

func (f *fakeOnlineSetter) last() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.values) == 0 {
		return false
	}
	return f.values[len(f.values)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(topic, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestForceSyncNowDrainsPendingSpill(t *testing.T) {
	spill, err := durability.NewSpill(logrus.New(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, spill.Append(types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}))

	writer := &fakeIndividualWriter{}
	online := &fakeOnlineSetter{}
	publisher := &recordingPublisher{}

	w := New(logrus.New(), &fakeProbe{}, writer, spill, online, publisher, time.Hour)
	w.ForceSyncNow(context.Background())

	require.Equal(t, 1, writer.calls)
	require.True(t, online.last())
	require.True(t, publisher.has("sync_complete"))
	require.True(t, publisher.has("connection_status"))
}

func TestTickSkipsDrainWhenOffline(t *testing.T) {
	spill, err := durability.NewSpill(logrus.New(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, spill.Append(types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}))

	writer := &fakeIndividualWriter{}
	online := &fakeOnlineSetter{}
	publisher := &recordingPublisher{}

	w := New(logrus.New(), &fakeProbe{err: errors.New("unreachable")}, writer, spill, online, publisher, time.Hour)
	w.ForceSyncNow(context.Background())

	require.Equal(t, 0, writer.calls)
	require.False(t, online.last())
	require.False(t, publisher.has("sync_complete"))
}

func TestBackoffPausesAfterThreeConsecutiveFailures(t *testing.T) {
	w := &Worker{logger: logrus.NewEntry(logrus.New())}
	for i := 0; i < maxConsecutiveFailures; i++ {
		w.recordFailure(errors.New("boom"))
	}
	require.False(t, w.pausedUntil.IsZero())
	require.True(t, w.pausedUntil.After(time.Now()))
}
