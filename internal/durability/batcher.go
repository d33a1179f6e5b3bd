package durability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/types"
)

const (
	batchMaxItems    = 500
	batchMaxWait     = time.Second
	maxConcurrentFlush = 2
	tickInterval     = 50 * time.Millisecond
)

// ErrAlreadyExists is returned by CloudWriter when a create-only write
// targets a path that already has a document.
var ErrAlreadyExists = errors.New("document already exists")

// ErrDuplicateInBatch is the resolution for every item past the first
// to target a given path within one flush.
var ErrDuplicateInBatch = errors.New("duplicate_in_batch")

// ErrDuplicateBlocked is the resolution when the underlying write
// rejects a record as already existing (server-side duplicate).
var ErrDuplicateBlocked = errors.New("duplicate_blocked")

// CloudWriter is the cloud document store's create-only write surface.
// BatchCreate attempts every record as one underlying batch commit;
// Create is the per-record fallback used when the batch commit itself
// fails outright.
type CloudWriter interface {
	BatchCreate(ctx context.Context, records map[string]types.AttendanceRecord) (perPath map[string]error, err error)
	Create(ctx context.Context, path string, record types.AttendanceRecord) error
}

// cloudPath is the attendance_logs/{date}/records/{userId} destination
// path.
func cloudPath(record types.AttendanceRecord) string {
	return fmt.Sprintf("attendance_logs/%s/records/%s", record.Date, record.UserID)
}

type batchItem struct {
	path     string
	record   types.AttendanceRecord
	resultCh chan error
}

// CloudBatcher accepts records and flushes them as a group, by size or
// time.
type CloudBatcher struct {
	logger *logrus.Entry
	writer CloudWriter

	mu          sync.Mutex
	pending     []batchItem
	firstItemAt time.Time

	flushSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// PendingCount reports how many records are presently queued for the
// next flush, for the public stats surface.
func (b *CloudBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// NewCloudBatcher constructs a batcher over writer.
func NewCloudBatcher(logger *logrus.Logger, writer CloudWriter) *CloudBatcher {
	return &CloudBatcher{
		logger:   logger.WithField("component", "cloud-batcher"),
		writer:   writer,
		flushSem: make(chan struct{}, maxConcurrentFlush),
	}
}

// Start launches the background ticker that flushes on the 1s timer
// edge even when no new item arrives to trigger a size-based flush.
func (b *CloudBatcher) Start() {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.tickLoop()
}

// Stop halts the ticker and flushes whatever is still pending.
func (b *CloudBatcher) Stop() {
	if b.stopCh != nil {
		close(b.stopCh)
	}
	b.wg.Wait()
	b.flush()
}

func (b *CloudBatcher) tickLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			due := len(b.pending) > 0 && time.Since(b.firstItemAt) >= batchMaxWait
			b.mu.Unlock()
			if due {
				b.flush()
			}
		}
	}
}

// Enqueue adds record to the pending batch and blocks until its
// resolution (the flush that processes it, not necessarily this call).
func (b *CloudBatcher) Enqueue(ctx context.Context, record types.AttendanceRecord) error {
	item := batchItem{path: cloudPath(record), record: record, resultCh: make(chan error, 1)}

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.firstItemAt = time.Now()
	}
	b.pending = append(b.pending, item)
	flushNow := len(b.pending) >= batchMaxItems
	b.mu.Unlock()

	if flushNow {
		go b.flush()
	}

	select {
	case err := <-item.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush drains the pending batch, deduplicating by path (first wins),
// attempting one batch commit, and falling back to per-path individual
// writes if the batch commit itself errors.
func (b *CloudBatcher) flush() {
	b.mu.Lock()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(items) == 0 {
		return
	}

	b.flushSem <- struct{}{}
	defer func() { <-b.flushSem }()

	firstIndexByPath := make(map[string]int, len(items))
	records := make(map[string]types.AttendanceRecord, len(items))
	for i, it := range items {
		if _, ok := firstIndexByPath[it.path]; !ok {
			firstIndexByPath[it.path] = i
			records[it.path] = it.record
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	perPath, err := b.writer.BatchCreate(ctx, records)
	if err != nil {
		b.logger.WithError(err).Warn("batch commit failed, falling back to individual writes")
		perPath = make(map[string]error, len(records))
		for path, record := range records {
			perPath[path] = b.writer.Create(ctx, path, record)
		}
	}

	for i, it := range items {
		if firstIndexByPath[it.path] != i {
			it.resultCh <- ErrDuplicateInBatch
			continue
		}
		werr := perPath[it.path]
		if werr == nil {
			it.resultCh <- nil
		} else if errors.Is(werr, ErrAlreadyExists) {
			it.resultCh <- ErrDuplicateBlocked
		} else {
			it.resultCh <- werr
		}
	}
}
