package usercache

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/types"
)

type fakeCloudStore struct {
	all      []types.UserRecord
	byID     map[types.BiometricId]types.UserRecord
	listErr  error
	lookupErr error
}

func (f *fakeCloudStore) ListUsersWithBiometricID(ctx context.Context) ([]types.UserRecord, error) {
	return f.all, f.listErr
}

func (f *fakeCloudStore) LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error) {
	if f.lookupErr != nil {
		return types.UserRecord{}, false, f.lookupErr
	}
	u, ok := f.byID[id]
	return u, ok, nil
}

type fakeOfflineStore struct {
	saved []types.UserRecord
	byID  map[types.BiometricId]types.UserRecord
}

func (f *fakeOfflineStore) SaveUsers(ctx context.Context, users []types.UserRecord) error {
	f.saved = users
	return nil
}

func (f *fakeOfflineStore) LookupByBiometricID(ctx context.Context, id types.BiometricId) (types.UserRecord, bool, error) {
	u, ok := f.byID[id]
	return u, ok, nil
}

func TestLookupHitAfterPreWarm(t *testing.T) {
	cloud := &fakeCloudStore{all: []types.UserRecord{
		{ID: "u1", BiometricID: "1", Name: "Asha", MembershipStatus: types.MembershipActive},
	}}
	offline := &fakeOfflineStore{byID: map[types.BiometricId]types.UserRecord{}}

	cache, err := New(logrus.New(), Config{PhotoDir: t.TempDir()}, cloud, offline)
	require.NoError(t, err)
	require.NoError(t, cache.PreWarm(context.Background()))

	u, ok := cache.Lookup(context.Background(), "1")
	require.True(t, ok)
	require.Equal(t, "u1", u.ID)
	require.Len(t, offline.saved, 1)
}

func TestLookupMissFallsBackToOfflineStore(t *testing.T) {
	offline := &fakeOfflineStore{byID: map[types.BiometricId]types.UserRecord{
		"5": {ID: "u5", Name: "Offline Bob"},
	}}
	cache, err := New(logrus.New(), Config{PhotoDir: t.TempDir()}, &fakeCloudStore{lookupErr: context.DeadlineExceeded}, offline)
	require.NoError(t, err)

	u, ok := cache.Lookup(context.Background(), "5")
	require.True(t, ok)
	require.Equal(t, "u5", u.ID)
}

func TestLookupMissWithNoBackingStoreReturnsFalse(t *testing.T) {
	cache, err := New(logrus.New(), Config{PhotoDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	_, ok := cache.Lookup(context.Background(), "404")
	require.False(t, ok)

	stats := cache.Stats()
	require.Equal(t, int64(1), stats.Misses)
}

func TestOffloadPhotoWritesFileAndStripsInlineImage(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(logrus.New(), Config{PhotoDir: dir, LocalBaseURL: "http://localhost:8080"}, nil, nil)
	require.NoError(t, err)

	payload := base64.StdEncoding.EncodeToString([]byte("fake-jpeg-bytes"))
	user := types.UserRecord{ID: "u9", PhotoURL: "data:image/jpeg;base64," + payload}

	offloaded := cache.offloadPhoto(user)
	require.Equal(t, "photos/u9.jpg", offloaded.PhotoPath)
	require.Empty(t, offloaded.PhotoURL)

	data, err := os.ReadFile(filepath.Join(dir, "u9.jpg"))
	require.NoError(t, err)
	require.Equal(t, "fake-jpeg-bytes", string(data))

	materialized := cache.materialize(offloaded)
	require.Equal(t, "http://localhost:8080/static/photos/u9.jpg", materialized.PhotoURL)
}

func TestInsertEvictsOldestFractionOverCapacity(t *testing.T) {
	cache, err := New(logrus.New(), Config{Capacity: 10, PhotoDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 13; i++ {
		cache.insert(types.UserRecord{ID: "u", BiometricID: types.BiometricId(rune('a' + i))})
		time.Sleep(time.Millisecond)
	}

	require.LessOrEqual(t, cache.lru.Len(), 10)
}
