package durability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/types"
)

func TestSpillAppendAndDrain(t *testing.T) {
	dir := t.TempDir()
	spill, err := NewSpill(logrus.New(), dir)
	require.NoError(t, err)

	require.NoError(t, spill.Append(types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}))
	require.NoError(t, spill.Append(types.AttendanceRecord{UserID: "u2", Date: "2026-07-29"}))

	batchPath, err := spill.Rotate()
	require.NoError(t, err)
	require.NotEmpty(t, batchPath)

	var written []types.DurableEnvelope
	var mu sync.Mutex
	synced, failed, err := spill.DrainFile(func(e types.DurableEnvelope) error {
		mu.Lock()
		written = append(written, e)
		mu.Unlock()
		return nil
	}, batchPath)
	require.NoError(t, err)
	require.Equal(t, 2, synced)
	require.Equal(t, 0, failed)
	require.Len(t, written, 2)

	_, statErr := os.Stat(batchPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestSpillDrainRequeuesFailures(t *testing.T) {
	dir := t.TempDir()
	spill, err := NewSpill(logrus.New(), dir)
	require.NoError(t, err)

	require.NoError(t, spill.Append(types.AttendanceRecord{UserID: "fail-me", Date: "2026-07-29"}))
	batchPath, err := spill.Rotate()
	require.NoError(t, err)

	synced, failed, err := spill.DrainFile(func(e types.DurableEnvelope) error {
		return errUnreachable
	}, batchPath)
	require.NoError(t, err)
	require.Equal(t, 0, synced)
	require.Equal(t, 1, failed)

	_, statErr := os.Stat(batchPath)
	require.True(t, os.IsNotExist(statErr), "drained batch should be removed once failures are requeued")

	data, err := os.ReadFile(filepath.Join(dir, activeSpillName))
	require.NoError(t, err)
	require.Contains(t, string(data), "fail-me")
}

func TestRequeueIsIdempotentOnRecordID(t *testing.T) {
	dir := t.TempDir()
	spill, err := NewSpill(logrus.New(), dir)
	require.NoError(t, err)

	envelope := types.DurableEnvelope{AttendanceRecord: types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}, RecordID: "dup-1"}
	require.NoError(t, spill.appendEnvelope(envelope))

	require.NoError(t, spill.requeue([]types.DurableEnvelope{envelope}))

	data, err := os.ReadFile(filepath.Join(dir, activeSpillName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "requeue must not duplicate an already-pending RecordID")
}

var errUnreachable = &testErr{"cloud unreachable"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestSpillMigratesLegacyArrayFormat(t *testing.T) {
	dir := t.TempDir()
	legacy := []types.DurableEnvelope{
		{AttendanceRecord: types.AttendanceRecord{UserID: "legacy-1"}, RecordID: "r1"},
		{AttendanceRecord: types.AttendanceRecord{UserID: "legacy-2"}, RecordID: "r2"},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, activeSpillName), data, 0o644))

	spill, err := NewSpill(logrus.New(), dir)
	require.NoError(t, err)

	raw, err := os.ReadFile(spill.activePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var e types.DurableEnvelope
		require.NoError(t, json.Unmarshal([]byte(line), &e))
	}
}

func TestSpillBacksUpCorruptLegacyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, activeSpillName), []byte("[not valid json"), 0o644))

	_, err := NewSpill(logrus.New(), dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, activeSpillName+".corrupt.bak"))
	require.NoError(t, err)
}

type fakeCloudWriter struct {
	mu           sync.Mutex
	batchErr     error
	perPathErr   map[string]error
	createCalls  []string
	batchRecords map[string]types.AttendanceRecord
}

func (f *fakeCloudWriter) BatchCreate(ctx context.Context, records map[string]types.AttendanceRecord) (map[string]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchRecords = records
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[string]error, len(records))
	for path := range records {
		out[path] = f.perPathErr[path]
	}
	return out, nil
}

func (f *fakeCloudWriter) Create(ctx context.Context, path string, record types.AttendanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, path)
	return f.perPathErr[path]
}

func TestBatcherDedupesByPathWithinOneFlush(t *testing.T) {
	writer := &fakeCloudWriter{}
	b := NewCloudBatcher(logrus.New(), writer)

	record := types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = b.Enqueue(context.Background(), record)
		}()
	}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		n := len(b.pending)
		b.mu.Unlock()
		return n == 3
	}, time.Second, time.Millisecond)

	b.flush()
	wg.Wait()

	okCount, dupCount := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			okCount++
		case err == ErrDuplicateInBatch:
			dupCount++
		}
	}
	require.Equal(t, 1, okCount)
	require.Equal(t, 2, dupCount)
}

func TestBatcherFallsBackToIndividualWritesOnBatchFailure(t *testing.T) {
	writer := &fakeCloudWriter{batchErr: errUnreachable, perPathErr: map[string]error{}}
	b := NewCloudBatcher(logrus.New(), writer)
	b.Start()
	defer b.Stop()

	err := b.Enqueue(context.Background(), types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"})
	require.NoError(t, err)
	require.Len(t, writer.createCalls, 1)
}

func TestBatcherTranslatesAlreadyExistsToDuplicateBlocked(t *testing.T) {
	record := types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}
	path := cloudPath(record)
	writer := &fakeCloudWriter{perPathErr: map[string]error{path: ErrAlreadyExists}}
	b := NewCloudBatcher(logrus.New(), writer)
	b.Start()
	defer b.Stop()

	err := b.Enqueue(context.Background(), record)
	require.ErrorIs(t, err, ErrDuplicateBlocked)
}

func TestLayerSpillsWhenOffline(t *testing.T) {
	dir := t.TempDir()
	layer, err := NewLayer(logrus.New(), &fakeCloudWriter{}, dir)
	require.NoError(t, err)
	layer.Start()
	defer layer.Stop()

	outcome := layer.Save(context.Background(), types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"})
	require.Equal(t, types.SaveSpilled, outcome)
}

func TestLayerSavesViaBatcherWhenOnline(t *testing.T) {
	dir := t.TempDir()
	writer := &fakeCloudWriter{perPathErr: map[string]error{}}
	layer, err := NewLayer(logrus.New(), writer, dir)
	require.NoError(t, err)
	layer.Start()
	defer layer.Stop()
	layer.SetOnline(true)

	outcome := layer.Save(context.Background(), types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"})
	require.Equal(t, types.SaveOK, outcome)
}

func TestOfflineUserStoreSaveAndLookup(t *testing.T) {
	dir := t.TempDir()
	store := NewOfflineUserStore(dir)

	users := []types.UserRecord{{ID: "u1", BiometricID: "1", Name: "Asha"}}
	require.NoError(t, store.SaveUsers(context.Background(), users))

	u, ok, err := store.LookupByBiometricID(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Asha", u.Name)

	_, ok, err = store.LookupByBiometricID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

