// Package pipeline dedups, enriches, fans out, and hands off to
// durability every punch the session hands it, through a non-blocking
// bounded queue drained by a small worker pool. The hardware callback
// must never block, so every punch is queued and the real processing
// chain runs off to the side.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

const (
	topicAttendance = "attendance"

	eventProcessing       = "attendance_processing"
	eventAttendance       = "attendance_event"
	eventDuplicateIgnored = "attendance_duplicate_ignored"
	eventSavedOffline     = "attendance_saved_offline"
	eventSaveFailed       = "attendance_save_failed"
	eventScanFailed       = "scan-failed"

	duplicateWindow     = 60 * time.Second
	maxRecentCacheSize  = 1000
	pruneInterval       = 60 * time.Second
	batchSize           = 10
	interBatchYield     = 100 * time.Millisecond
	batchFlushTimeout   = 200 * time.Millisecond
	queueCapacity       = 4096
)

// Durability is the contract the pipeline hands finished records to.
type Durability interface {
	Save(ctx context.Context, record types.AttendanceRecord) types.SaveOutcome
}

// UserCache is the contract used for enrichment.
type UserCache interface {
	Lookup(ctx context.Context, biometricID types.BiometricId) (types.UserRecord, bool)
}

// Publisher is the local pub/sub fan-out target (a websocket hub in
// production, a recording stub in tests).
type Publisher interface {
	Publish(topic, event string, payload interface{})
}

// Pipeline is the event pipeline for one terminal deployment (the
// dedup cache and queue are shared across every configured device).
type Pipeline struct {
	logger     *logrus.Entry
	userCache  UserCache
	durability Durability
	publisher  Publisher
	zone       *clock.Zone

	queue chan types.RawPunch

	recentMu    sync.Mutex
	recentCache map[types.BiometricId]time.Time

	metrics metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type metrics struct {
	mu                sync.Mutex
	peakDepth         int
	processedCount    int64
	totalProcessingNs int64
}

// New constructs a Pipeline. zone supplies calendarDate semantics for
// enrichment.
func New(logger *logrus.Logger, zone *clock.Zone, userCache UserCache, durability Durability, publisher Publisher) *Pipeline {
	return &Pipeline{
		logger:      logger.WithField("component", "pipeline"),
		userCache:   userCache,
		durability:  durability,
		publisher:   publisher,
		zone:        zone,
		queue:       make(chan types.RawPunch, queueCapacity),
		recentCache: make(map[types.BiometricId]time.Time),
	}
}

// Start launches the drain worker and the dedup-cache pruner.
func (p *Pipeline) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.wg.Add(2)
	logging.SafeGo(p.logger, func() { p.workerLoop(ctx) })
	logging.SafeGo(p.logger, func() { p.prunerLoop(ctx) })
}

// Stop halts both background loops and waits for in-flight batches to
// drain.
func (p *Pipeline) Stop() {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	p.wg.Wait()
}

// Ingest is the non-blocking entry point the session (and anything
// else producing punches) calls. Appending is O(1); a full queue drops
// the punch rather than ever blocking the caller.
func (p *Pipeline) Ingest(punch types.RawPunch) {
	select {
	case p.queue <- punch:
		p.metrics.recordDepth(len(p.queue))
	default:
		p.logger.WithField("biometricId", punch.BiometricID).Warn("pipeline queue full, dropping punch")
	}
}

// PublishScanFailed implements session.Sink for the scan-failed path.
func (p *Pipeline) PublishScanFailed(deviceID string) {
	p.publisher.Publish(topicAttendance, eventScanFailed, map[string]string{"deviceId": deviceID})
}

// Stats reports the queue depth, peak depth observed, and average
// per-item processing time.
func (p *Pipeline) Stats() (depth, peak int, avg time.Duration) {
	depth = len(p.queue)
	peak, avg = p.metrics.snapshot()
	return
}

func (m *metrics) recordDepth(d int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > m.peakDepth {
		m.peakDepth = d
	}
}

func (m *metrics) recordProcessing(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processedCount++
	m.totalProcessingNs += d.Nanoseconds()
}

func (m *metrics) snapshot() (peak int, avg time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peak = m.peakDepth
	if m.processedCount > 0 {
		avg = time.Duration(m.totalProcessingNs / m.processedCount)
	}
	return
}

// workerLoop drains the queue in batches of batchSize, processing each
// batch item's enrichment in parallel, yielding interBatchYield between
// full batches so bursts don't starve other goroutines.
func (p *Pipeline) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	batch := make([]types.RawPunch, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var wg sync.WaitGroup
		for _, item := range batch {
			item := item
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer logging.Recover(p.logger)
				p.process(ctx, item)
			}()
		}
		wg.Wait()
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stopCh:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		case item := <-p.queue:
			batch = append(batch, item)
			if len(batch) >= batchSize {
				flush()
				time.Sleep(interBatchYield)
			}
		case <-time.After(batchFlushTimeout):
			flush()
		}
	}
}

func (p *Pipeline) prunerLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneRecentCache()
		}
	}
}

// process runs the full dedup -> processing-notice -> enrich ->
// attendance-event -> durability-handoff chain for one punch.
func (p *Pipeline) process(ctx context.Context, punch types.RawPunch) {
	start := time.Now()
	defer func() { p.metrics.recordProcessing(time.Since(start)) }()

	t := punch.Instant
	if t.IsZero() {
		t = p.zone.Now()
	}

	if p.checkDuplicate(punch.BiometricID, t) {
		p.publisher.Publish(topicAttendance, eventDuplicateIgnored, map[string]interface{}{
			"biometricId": punch.BiometricID,
			"instant":     t,
		})
		return
	}

	p.publisher.Publish(topicAttendance, eventProcessing, map[string]interface{}{
		"biometricId": punch.BiometricID,
		"instant":     t,
	})

	record := p.enrich(ctx, punch.BiometricID, t, punch.Source)
	p.publisher.Publish(topicAttendance, eventAttendance, record)

	logging.SafeGo(p.logger, func() { p.persist(record) })
}

// enrich materializes an AttendanceRecord via the user cache, falling
// back to an "unknown user" placeholder when the lookup misses.
func (p *Pipeline) enrich(ctx context.Context, biometricID types.BiometricId, instant time.Time, source types.EventSource) types.AttendanceRecord {
	now := p.zone.Now()
	date := p.zone.CalendarDate(instant)

	user, found := p.userCache.Lookup(ctx, biometricID)
	if !found {
		return types.AttendanceRecord{
			UserID:           types.UnknownUserID(biometricID),
			BiometricID:      biometricID,
			CheckInTime:      instant,
			Date:             date,
			Status:           types.StatusPresent,
			Source:           source,
			MembershipStatus: types.MembershipUnknown,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	}

	return types.AttendanceRecord{
		UserID:            user.ID,
		Name:              user.Name,
		PhotoURL:          user.PhotoURL,
		BiometricID:       biometricID,
		CheckInTime:       instant,
		Date:              date,
		Status:            types.StatusPresent,
		Source:            source,
		PlanID:            user.PlanID,
		MembershipStatus:  user.MembershipStatus,
		MembershipEndDate: user.MembershipEndDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// persist hands a finished record to the durability layer asynchronously
// and reports only the outcome that affects UI feedback.
func (p *Pipeline) persist(record types.AttendanceRecord) {
	outcome := p.durability.Save(context.Background(), record)
	switch outcome {
	case types.SaveSpilled:
		p.publisher.Publish(topicAttendance, eventSavedOffline, record)
	case types.SaveFailed:
		p.publisher.Publish(topicAttendance, eventSaveFailed, record)
	}
}

// checkDuplicate reports whether id was last seen within duplicateWindow.
func (p *Pipeline) checkDuplicate(id types.BiometricId, t time.Time) bool {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()

	if last, ok := p.recentCache[id]; ok && t.Sub(last) < duplicateWindow {
		return true
	}
	p.recentCache[id] = t
	return false
}

// pruneRecentCache deletes entries older than the window and, if the
// map still exceeds maxRecentCacheSize, evicts oldest-first.
func (p *Pipeline) pruneRecentCache() {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()

	cutoff := p.zone.Now().Add(-duplicateWindow)
	for id, t := range p.recentCache {
		if t.Before(cutoff) {
			delete(p.recentCache, id)
		}
	}

	if len(p.recentCache) <= maxRecentCacheSize {
		return
	}

	type entry struct {
		id types.BiometricId
		t  time.Time
	}
	entries := make([]entry, 0, len(p.recentCache))
	for id, t := range p.recentCache {
		entries = append(entries, entry{id, t})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].t.Before(entries[j].t) })

	excess := len(entries) - maxRecentCacheSize
	for i := 0; i < excess; i++ {
		delete(p.recentCache, entries[i].id)
	}
}
