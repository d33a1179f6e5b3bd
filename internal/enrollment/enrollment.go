// Package enrollment watches the cloud feed's /member_registrations
// node and pushes each new intent down to the device through the
// session's serialized lock, writing the outcome back onto the feed.
// It runs the opposite direction of the sync worker: instead of
// draining local events up to the cloud, it drains cloud-authored
// intents down to hardware, in parallel batches of bounded in-flight
// work with a yield between batches.
package enrollment

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

const (
	maxInFlight    = 3
	batchSize      = 3
	interBatchYield = 500 * time.Millisecond
	queueCapacity  = 256
)

// Feed is the cloud key/value feed contract the enrollment registry uses.
type Feed interface {
	OnChildAdded(cb func(key string, intent types.EnrollmentIntent))
	Update(ctx context.Context, key string, partial map[string]interface{}) error
	// Ready is closed once the feed's initial replay has finished, so
	// the consumer knows when to stop silently counting and start
	// enqueueing newly observed children.
	Ready() <-chan struct{}
}

// SessionWriter is the subset of session.Manager the consumer needs:
// serialized device access plus a liveness check so it can
// short-circuit without touching a dead session.
type SessionWriter interface {
	WithDriverLock(fn func(drv device.Driver) error) error
	Connected() bool
}

type queuedIntent struct {
	key    string
	intent types.EnrollmentIntent
}

// Consumer runs the enrollment pipeline.
type Consumer struct {
	logger  *logrus.Entry
	feed    Feed
	session SessionWriter

	queue chan queuedIntent

	mu              sync.Mutex
	loadedEnrolled  int
	loadedPending   int
	initialLoadDone bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Consumer.
func New(logger *logrus.Logger, feed Feed, session SessionWriter) *Consumer {
	return &Consumer{
		logger:  logger.WithField("component", "enrollment"),
		feed:    feed,
		session: session,
		queue:   make(chan queuedIntent, queueCapacity),
	}
}

// Start subscribes to the feed and launches the batch worker.
func (c *Consumer) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	logging.SafeGo(c.logger, func() { c.workerLoop(ctx) })

	c.feed.OnChildAdded(func(key string, intent types.EnrollmentIntent) {
		c.handleChildAdded(key, intent)
	})

	c.wg.Add(1)
	logging.SafeGo(c.logger, func() { c.awaitInitialLoad(ctx) })
}

// awaitInitialLoad blocks until the feed reports its replay finished,
// then flips the silent-count phase off so steady-state children get
// enqueued instead of merely counted.
func (c *Consumer) awaitInitialLoad(ctx context.Context) {
	defer c.wg.Done()
	select {
	case <-c.feed.Ready():
		c.MarkInitialLoadComplete()
	case <-c.stopCh:
	case <-ctx.Done():
	}
}

// Stop halts the batch worker.
func (c *Consumer) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.wg.Wait()
}

// handleChildAdded implements the initial-load-silent / steady-state-
// enqueue split: replayed history is counted, not acted on.
func (c *Consumer) handleChildAdded(key string, intent types.EnrollmentIntent) {
	if intent.EsslEnrolled {
		c.mu.Lock()
		if !c.initialLoadDone {
			c.loadedEnrolled++
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	silent := !c.initialLoadDone
	if silent {
		c.loadedPending++
	}
	c.mu.Unlock()

	if silent {
		// Initial-load phase counts silently; the caller marks the
		// load complete via MarkInitialLoadComplete once the feed's
		// bulk replay finishes, after which new children are enqueued.
		return
	}

	select {
	case c.queue <- queuedIntent{key: key, intent: intent}:
	default:
		c.logger.WithField("key", key).Warn("enrollment queue full, dropping intent")
	}
}

// MarkInitialLoadComplete ends the silent-count phase and emits a
// single summary line. Intents added after this call are queued for
// processing.
func (c *Consumer) MarkInitialLoadComplete() {
	c.mu.Lock()
	c.initialLoadDone = true
	enrolled, pending := c.loadedEnrolled, c.loadedPending
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"enrolled": enrolled,
		"pending":  pending,
	}).Info("enrollment initial load complete")
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()

	batch := make([]queuedIntent, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var wg sync.WaitGroup
		sem := make(chan struct{}, maxInFlight)
		for _, item := range batch {
			item := item
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				defer logging.Recover(c.logger)
				c.process(ctx, item)
			}()
		}
		wg.Wait()
		batch = batch[:0]
	}

	for {
		select {
		case <-c.stopCh:
			flush()
			return
		case <-ctx.Done():
			flush()
			return
		case item := <-c.queue:
			batch = append(batch, item)
			if len(batch) >= batchSize {
				flush()
				time.Sleep(interBatchYield)
			}
		case <-time.After(interBatchYield):
			flush()
		}
	}
}

// process pushes one intent to the device and writes the outcome back
// to the feed.
func (c *Consumer) process(ctx context.Context, item queuedIntent) {
	if !c.session.Connected() {
		c.writeFailure(ctx, item.key, "Device not connected")
		return
	}

	uid, _ := strconv.Atoi(item.intent.BiometricID)
	req := device.SetUserRequest{
		UID:         uid,
		BiometricID: item.intent.BiometricID,
		Name:        item.intent.Name,
		Password:    "",
		Role:        0,
		CardNo:      0,
	}

	err := c.session.WithDriverLock(func(drv device.Driver) error {
		return drv.SetUser(ctx, req)
	})
	if err != nil {
		c.writeFailure(ctx, item.key, err.Error())
		return
	}

	now := time.Now()
	if updErr := c.feed.Update(ctx, item.key, map[string]interface{}{
		"esslEnrolled":   true,
		"esslEnrolledAt": now,
		"esslStatus":     types.EnrollmentSuccess,
	}); updErr != nil {
		c.logger.WithError(updErr).WithField("key", item.key).Warn("failed to write back enrollment success")
	}
}

func (c *Consumer) writeFailure(ctx context.Context, key, reason string) {
	now := time.Now()
	if err := c.feed.Update(ctx, key, map[string]interface{}{
		"esslEnrolled":    false,
		"esslStatus":      types.EnrollmentFailed,
		"esslError":       reason,
		"esslAttemptedAt": now,
	}); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to write back enrollment failure")
	}
}
