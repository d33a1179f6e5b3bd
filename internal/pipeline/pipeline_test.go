package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/types"
)

type fakeUserCache struct {
	users map[types.BiometricId]types.UserRecord
}

func (f *fakeUserCache) Lookup(ctx context.Context, id types.BiometricId) (types.UserRecord, bool) {
	u, ok := f.users[id]
	return u, ok
}

type fakeDurability struct {
	mu      sync.Mutex
	saved   []types.AttendanceRecord
	outcome types.SaveOutcome
}

func (f *fakeDurability) Save(ctx context.Context, record types.AttendanceRecord) types.SaveOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, record)
	return f.outcome
}

func (f *fakeDurability) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type recordedEvent struct {
	topic, event string
	payload      interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) Publish(topic, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{topic, event, payload})
}

func (f *fakePublisher) eventsNamed(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == name {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, users map[types.BiometricId]types.UserRecord) (*Pipeline, *fakeDurability, *fakePublisher) {
	t.Helper()
	zone := clock.MustLoad("UTC")
	durability := &fakeDurability{outcome: types.SaveOK}
	publisher := &fakePublisher{}
	p := New(logrus.New(), zone, &fakeUserCache{users: users}, durability, publisher)
	return p, durability, publisher
}

func TestPipelineEnrichesKnownUser(t *testing.T) {
	users := map[types.BiometricId]types.UserRecord{
		"7": {ID: "user-7", Name: "Asha", MembershipStatus: types.MembershipActive},
	}
	p, durability, publisher := newTestPipeline(t, users)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Ingest(types.RawPunch{BiometricID: "7", Instant: time.Now(), DeviceID: "dev-1", Source: types.SourceRealtime})

	require.Eventually(t, func() bool { return durability.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "user-7", durability.saved[0].UserID)
	require.Equal(t, 1, publisher.eventsNamed(eventProcessing))
	require.Equal(t, 1, publisher.eventsNamed(eventAttendance))
}

func TestPipelineUnknownUserFallback(t *testing.T) {
	p, durability, _ := newTestPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Ingest(types.RawPunch{BiometricID: "99", Instant: time.Now(), Source: types.SourcePoll})

	require.Eventually(t, func() bool { return durability.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "unknown_99", durability.saved[0].UserID)
	require.Equal(t, types.MembershipUnknown, durability.saved[0].MembershipStatus)
}

func TestPipelineDropsDuplicateWithinWindow(t *testing.T) {
	p, durability, publisher := newTestPipeline(t, map[types.BiometricId]types.UserRecord{"1": {ID: "u1"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	now := time.Now()
	p.Ingest(types.RawPunch{BiometricID: "1", Instant: now})
	require.Eventually(t, func() bool { return durability.count() == 1 }, time.Second, 10*time.Millisecond)

	p.Ingest(types.RawPunch{BiometricID: "1", Instant: now.Add(time.Second)})
	require.Eventually(t, func() bool { return publisher.eventsNamed(eventDuplicateIgnored) == 1 }, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, durability.count())
	require.Equal(t, 1, publisher.eventsNamed(eventDuplicateIgnored))
}

func TestPruneRecentCacheEvictsOldestOverCapacity(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)

	base := time.Now()
	for i := 0; i < maxRecentCacheSize+10; i++ {
		p.recentCache[types.BiometricId(rune(i))] = base.Add(time.Duration(i) * time.Millisecond)
	}
	p.pruneRecentCache()

	require.LessOrEqual(t, len(p.recentCache), maxRecentCacheSize)
}

func TestScanFailedPublishesWithoutDurabilityWrite(t *testing.T) {
	p, durability, publisher := newTestPipeline(t, nil)
	p.PublishScanFailed("dev-9")

	require.Equal(t, 0, durability.count())
	require.Equal(t, 1, publisher.eventsNamed(eventScanFailed))
}
