// Package cloudfeed is the Firebase Realtime Database-backed
// implementation of the enrollment consumer's Feed contract. The Go
// Admin SDK has no persistent child_added stream the way the
// JavaScript/Android client SDKs do, so child_added is simulated by
// polling the node on a short timer and diffing observed keys against
// what has already been replayed — new keys are reported exactly once,
// and a key seen in an earlier poll is reported before one first seen
// in a later poll; the order among keys first seen in the same poll is
// not defined.
package cloudfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	firebasedb "firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

const defaultPollInterval = 3 * time.Second

// intentDoc is the wire shape of one /member_registrations/{key} node.
// Its json tags match types.EnrollmentIntent exactly so a single
// json.Unmarshal (done internally by the Firebase SDK's Get) decodes
// straight into it.
type intentDoc struct {
	BiometricID     types.BiometricId        `json:"biometricId"`
	Name            string                   `json:"name"`
	EsslEnrolled    bool                     `json:"esslEnrolled"`
	EsslStatus      types.EnrollmentStatus   `json:"esslStatus,omitempty"`
	EsslError       string                   `json:"esslError,omitempty"`
	EsslAttemptedAt *time.Time               `json:"esslAttemptedAt,omitempty"`
	EsslEnrolledAt  *time.Time               `json:"esslEnrolledAt,omitempty"`
}

func (d intentDoc) toIntent(key string) types.EnrollmentIntent {
	return types.EnrollmentIntent{
		Key:             key,
		BiometricID:     d.BiometricID,
		Name:            d.Name,
		EsslEnrolled:    d.EsslEnrolled,
		EsslStatus:      d.EsslStatus,
		EsslError:       d.EsslError,
		EsslAttemptedAt: d.EsslAttemptedAt,
		EsslEnrolledAt:  d.EsslEnrolledAt,
	}
}

// Feed polls one Realtime Database node and reports every key-value
// pair as a one-time "child added" callback, plus a create-or-merge
// write-back path.
type Feed struct {
	logger       *logrus.Entry
	client       *firebasedb.Client
	path         string
	pollInterval time.Duration

	mu   sync.Mutex
	cb   func(key string, intent types.EnrollmentIntent)
	seen map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wraps an already-initialized Firebase Realtime Database client.
// path is the node to watch, e.g. "/member_registrations".
func New(logger *logrus.Logger, client *firebasedb.Client, path string) *Feed {
	return &Feed{
		logger:       logger.WithField("component", "cloudfeed"),
		client:       client,
		path:         path,
		pollInterval: defaultPollInterval,
		seen:         make(map[string]struct{}),
		ready:        make(chan struct{}),
	}
}

// OnChildAdded registers the callback invoked once per newly observed
// key, matching enrollment.Feed.
func (f *Feed) OnChildAdded(cb func(key string, intent types.EnrollmentIntent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

// Ready is closed once the first poll attempt finishes, whether or not
// it succeeded. When that poll succeeded with a callback registered,
// every child present at that moment has been replayed through the
// callback and the owner may call
// enrollment.Consumer.MarkInitialLoadComplete.
func (f *Feed) Ready() <-chan struct{} { return f.ready }

// Start launches the poll loop.
func (f *Feed) Start(ctx context.Context) {
	f.stopCh = make(chan struct{})
	f.wg.Add(1)
	logging.SafeGo(f.logger, func() { f.pollLoop(ctx) })
}

// Stop halts the poll loop.
func (f *Feed) Stop() {
	if f.stopCh != nil {
		close(f.stopCh)
	}
	f.wg.Wait()
}

func (f *Feed) pollLoop(ctx context.Context) {
	defer f.wg.Done()

	f.poll(ctx)
	f.readyOnce.Do(func() { close(f.ready) })

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *Feed) poll(ctx context.Context) {
	var snapshot map[string]intentDoc
	if err := f.client.NewRef(f.path).Get(ctx, &snapshot); err != nil {
		f.logger.WithError(err).Warn("poll registration feed failed")
		return
	}

	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb == nil {
		return
	}

	for key, doc := range snapshot {
		f.mu.Lock()
		_, known := f.seen[key]
		if !known {
			f.seen[key] = struct{}{}
		}
		f.mu.Unlock()
		if known {
			continue
		}
		cb(key, doc.toIntent(key))
	}
}

// Update applies a partial merge to one child node, matching
// enrollment.Feed.Update.
func (f *Feed) Update(ctx context.Context, key string, partial map[string]interface{}) error {
	if key == "" {
		return fmt.Errorf("update requires a non-empty key")
	}
	return f.client.NewRef(f.path).Child(key).Update(ctx, partial)
}
