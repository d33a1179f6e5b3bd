// Package syncworker is a timer-driven liveness probe and spill-drain
// loop that keeps the durability layer's backlog trending to zero
// whenever the cloud store is reachable.
package syncworker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/resilience"
	"zk-attendance-bridge/internal/types"
)

const (
	defaultTickInterval    = 30 * time.Second
	maxConsecutiveFailures = 3
	backoffPause           = 5 * time.Minute
	livenessTimeout        = 5 * time.Second
)

// CloudProbe is a cheap liveness check (a limit-1 read against a
// sentinel collection).
type CloudProbe interface {
	Ping(ctx context.Context) error
}

// CloudIndividualWriter is the per-record write path the drain uses —
// deliberately the individual path, not the batcher, so per-batch
// ordering is preserved.
type CloudIndividualWriter interface {
	Create(ctx context.Context, path string, record types.AttendanceRecord) error
}

// Publisher is the local pub/sub fan-out target for connection and
// sync progress notices.
type Publisher interface {
	Publish(topic, event string, payload interface{})
}

// OnlineSetter receives the result of every liveness probe (wired to
// durability.Layer.SetOnline).
type OnlineSetter interface {
	SetOnline(online bool)
}

// Worker runs the sync tick loop.
type Worker struct {
	logger    *logrus.Entry
	probe     CloudProbe
	writer    CloudIndividualWriter
	spill     *durability.Spill
	online    OnlineSetter
	publisher Publisher

	tickInterval time.Duration

	mu                  sync.Mutex
	isOnline            bool
	isSyncing           bool
	consecutiveFailures int
	pausedUntil         time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Worker. tickInterval defaults to 30s if zero.
func New(logger *logrus.Logger, probe CloudProbe, writer CloudIndividualWriter, spill *durability.Spill, online OnlineSetter, publisher Publisher, tickInterval time.Duration) *Worker {
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}
	return &Worker{
		logger:       logger.WithField("component", "sync-worker"),
		probe:        probe,
		writer:       writer,
		spill:        spill,
		online:       online,
		publisher:    publisher,
		tickInterval: tickInterval,
	}
}

// Start launches the tick loop.
func (w *Worker) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	logging.SafeGo(w.logger, func() { w.loop(ctx) })
}

// Stop halts the tick loop.
func (w *Worker) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
	w.wg.Wait()
}

// ForceSyncNow triggers an out-of-band drain, respecting the
// single-flight isSyncing guard like any other tick.
func (w *Worker) ForceSyncNow(ctx context.Context) {
	w.tick(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	w.mu.Lock()
	if w.isSyncing {
		w.mu.Unlock()
		return
	}
	if !w.pausedUntil.IsZero() && time.Now().Before(w.pausedUntil) {
		w.mu.Unlock()
		return
	}
	w.isSyncing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.isSyncing = false
		w.mu.Unlock()
	}()

	wasOnline := w.getOnline()
	nowOnline := w.probeLiveness(ctx)
	w.setOnline(nowOnline)
	w.online.SetOnline(nowOnline)

	if nowOnline {
		w.publisher.Publish("system", "connection_status", map[string]interface{}{"online": true})
	} else {
		w.publisher.Publish("system", "connection_status", map[string]interface{}{"online": false})
	}

	if !nowOnline {
		return
	}

	if !wasOnline {
		w.logger.Info("cloud connectivity restored, triggering immediate drain")
	}

	w.drain(ctx)
}

// probeLiveness pings the cloud store, retrying a failed ping once
// through cenkalti/backoff before declaring the tick
// offline — a single dropped packet shouldn't flip connectivity state.
func (w *Worker) probeLiveness(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()

	cfg := resilience.RetryConfig{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, JitterFraction: 0.25}
	policy := backoff.WithContext(resilience.WithMaxAttempts(resilience.NewExponentialBackOff(cfg), cfg.MaxAttempts), probeCtx)

	err := backoff.Retry(func() error {
		return w.probe.Ping(probeCtx)
	}, policy)
	if err != nil {
		w.logger.WithError(err).Debug("liveness probe failed")
		return false
	}
	return true
}

func (w *Worker) getOnline() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isOnline
}

func (w *Worker) setOnline(online bool) {
	w.mu.Lock()
	w.isOnline = online
	w.mu.Unlock()
}

// drain rotates the active spill, then iterates every pending batch
// oldest-first, streaming each line through the individual cloud
// write path and accumulating {synced, failed}. An exception along
// the way trips the consecutive-failure backoff.
func (w *Worker) drain(ctx context.Context) {
	if _, err := w.spill.Rotate(); err != nil {
		w.recordFailure(err)
		return
	}

	batches, err := w.spill.ListBatches()
	if err != nil {
		w.recordFailure(err)
		return
	}

	var totalSynced, totalFailed int
	for _, batchPath := range batches {
		synced, failed, err := w.spill.DrainFile(func(e types.DurableEnvelope) error {
			return w.writer.Create(ctx, cloudPathFor(e), e.AttendanceRecord)
		}, batchPath)
		if err != nil {
			w.recordFailure(err)
			return
		}
		totalSynced += synced
		totalFailed += failed
		w.publisher.Publish("system", "sync_progress", map[string]interface{}{
			"batch":  batchPath,
			"synced": synced,
			"failed": failed,
		})
	}

	w.mu.Lock()
	w.consecutiveFailures = 0
	w.mu.Unlock()

	w.publisher.Publish("system", "sync_complete", map[string]interface{}{
		"synced": totalSynced,
		"failed": totalFailed,
	})
}

func (w *Worker) recordFailure(err error) {
	w.logger.WithError(err).Warn("sync drain failed")

	w.mu.Lock()
	w.consecutiveFailures++
	n := w.consecutiveFailures
	if n >= maxConsecutiveFailures {
		w.pausedUntil = time.Now().Add(backoffPause)
		w.logger.WithField("pausedUntil", w.pausedUntil).Warn("pausing sync worker after repeated failures")
	}
	w.mu.Unlock()
}

func cloudPathFor(e types.DurableEnvelope) string {
	return "attendance_logs/" + e.Date + "/records/" + e.UserID
}
