package durability

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/types"
)

// Layer is the durability entry point: pipeline.Durability's Save plus
// the sync worker's drain surface, wired over one CloudBatcher and one
// Spill.
type Layer struct {
	logger  *logrus.Entry
	batcher *CloudBatcher
	spill   *Spill

	online int32 // atomic bool
}

// NewLayer constructs the durability layer. writer is nil-safe only in
// tests that never call Save while online.
func NewLayer(logger *logrus.Logger, writer CloudWriter, spillDir string) (*Layer, error) {
	spill, err := NewSpill(logger, spillDir)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		logger:  logger.WithField("component", "durability-layer"),
		batcher: NewCloudBatcher(logger, writer),
		spill:   spill,
	}
	return l, nil
}

// Start launches the cloud batcher's flush ticker.
func (l *Layer) Start() { l.batcher.Start() }

// Stop flushes and halts the batcher.
func (l *Layer) Stop() { l.batcher.Stop() }

// SetOnline is called by the sync worker after every liveness probe.
func (l *Layer) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	atomic.StoreInt32(&l.online, v)
}

// IsOnline reports the last liveness probe result.
func (l *Layer) IsOnline() bool {
	return atomic.LoadInt32(&l.online) == 1
}

// Save implements pipeline.Durability: online mode enqueues into the
// cloud batch; offline mode, or a cloud batch failure, spills to disk.
func (l *Layer) Save(ctx context.Context, record types.AttendanceRecord) types.SaveOutcome {
	if l.IsOnline() {
		err := l.batcher.Enqueue(ctx, record)
		if err == nil || errors.Is(err, ErrDuplicateInBatch) || errors.Is(err, ErrDuplicateBlocked) {
			return types.SaveOK
		}
		l.logger.WithError(err).Warn("cloud batch write failed, spilling to disk")
	}

	if err := l.spill.Append(record); err != nil {
		l.logger.WithError(err).Error("spill append failed, record dropped")
		return types.SaveFailed
	}
	return types.SaveSpilled
}

// Spill exposes the underlying spill for the sync worker's drain loop.
func (l *Layer) Spill() *Spill { return l.spill }

// BatchQueueDepth reports the cloud batcher's pending item count, for
// the public stats surface.
func (l *Layer) BatchQueueDepth() int { return l.batcher.PendingCount() }

// SpillBatchCount reports how many rotated spill batches are presently
// waiting to be drained, for the public stats surface.
func (l *Layer) SpillBatchCount() int {
	batches, err := l.spill.ListBatches()
	if err != nil {
		return -1
	}
	return len(batches)
}
