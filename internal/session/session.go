// Package session owns one terminal's connection lifecycle: the
// Idle → Connecting → Enabled → {Realtime, Polling, Both} state
// machine, built on internal/resilience's retry and breaker and on
// internal/device's driver contract. It owns the lifecycle of exactly
// one terminal, with the degraded/backoff edges a single flaky LAN
// device actually needs.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/resilience"
	"zk-attendance-bridge/internal/types"
)

// State is one node of the session state machine.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateEnabled       State = "enabled"
	StateRealtime      State = "realtime"
	StatePolling       State = "polling"
	StateBoth          State = "both"
	StateBackoff       State = "backoff"
	StateDegraded      State = "degraded"
	StateDisconnecting State = "disconnecting"
)

const (
	pollPeriod          = 10 * time.Second
	realtimeTimeout     = 60 * time.Second
	maxRealtimeFailures = 3
	connectTimeout      = 10 * time.Second
	sideCallTimeout     = 5 * time.Second
	watchdogInterval    = 15 * time.Second
)

// Sink is where the session hands off observed punches. The pipeline
// implements this; the callback path must never block on it.
type Sink interface {
	Ingest(p types.RawPunch)
	PublishScanFailed(deviceID string)
}

// Manager runs one device's session.
type Manager struct {
	driverLock sync.Mutex // serializes ALL driver calls

	logger   *logrus.Entry
	driver   device.Driver
	sink     Sink
	deviceID string
	ip       string
	port     int

	breaker  *resilience.Breaker
	retryCfg resilience.RetryConfig

	stateMu sync.RWMutex
	state   State

	lastEventAtMs        int64
	realtimeFailureCount int32
	permanentPolling     int32
	pollingSuspended     int32

	baselineMu  sync.Mutex
	baselineSet bool
	baselineLen int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager for one device. driver must not yet be
// connected.
func New(logger *logrus.Logger, driver device.Driver, sink Sink, deviceID, ip string, port int) *Manager {
	m := &Manager{
		logger:   logger.WithFields(logrus.Fields{"component": "session", "device": deviceID}),
		driver:   driver,
		sink:     sink,
		deviceID: deviceID,
		ip:       ip,
		port:     port,
		retryCfg: resilience.DefaultRetryConfig(),
		state:    StateIdle,
	}
	m.breaker = resilience.NewBreaker("session-"+deviceID, m.onBreakerStateChange)
	driver.OnEvent(m.handleFrame)
	return m
}

func (m *Manager) onBreakerStateChange(name string, from, to gobreaker.State) {
	m.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("circuit breaker state changed")
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.stateMu.Unlock()
	if prev != s {
		m.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("session state transition")
	}
}

// Start launches the reconnect watchdog and the polling ticker and
// performs the first connect attempt. It returns once the background
// loops are running; connection itself proceeds asynchronously through
// the watchdog so Start never blocks on a slow or unreachable device.
func (m *Manager) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})

	m.wg.Add(2)
	logging.SafeGo(m.logger, func() { m.reconnectWatchdogLoop(ctx) })
	logging.SafeGo(m.logger, func() { m.pollLoop(ctx) })
}

// Stop disconnects and halts all background loops. The state
// converges to Idle even if the driver hangs on graceful teardown.
func (m *Manager) Stop(ctx context.Context) error {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()

	m.setState(StateDisconnecting)

	m.driverLock.Lock()
	defer m.driverLock.Unlock()

	done := make(chan error, 1)
	go func() {
		defer logging.Recover(m.logger)
		done <- m.driver.Disconnect(ctx)
	}()

	select {
	case err := <-done:
		m.setState(StateIdle)
		return err
	case <-time.After(2 * time.Second):
		m.setState(StateIdle)
		return fmt.Errorf("disconnect timed out, converging to idle anyway")
	}
}

// WithDriverLock lets the enrollment consumer serialize a setUser/
// deleteUser call through the same session-wide lock that reads use.
func (m *Manager) WithDriverLock(fn func(drv device.Driver) error) error {
	m.driverLock.Lock()
	defer m.driverLock.Unlock()
	return fn(m.driver)
}

// DeviceID returns the identifier this session was constructed with.
func (m *Manager) DeviceID() string { return m.deviceID }

// Breaker exposes the connect-retry circuit breaker for the public
// stats surface. Callers must treat it as read-only.
func (m *Manager) Breaker() *resilience.Breaker { return m.breaker }

// Endpoint returns the ip and port this session connects to.
func (m *Manager) Endpoint() (string, int) { return m.ip, m.port }

// SetEndpoint repoints the session at a different ip/port ahead of a
// ForceReconnect, for the public API's manual connect endpoint. It
// must not be called while a connect attempt is in flight; callers
// serialize through the same HTTP handler goroutine that then calls
// ForceReconnect immediately after.
func (m *Manager) SetEndpoint(ip string, port int) {
	m.driverLock.Lock()
	defer m.driverLock.Unlock()
	m.ip = ip
	if port > 0 {
		m.port = port
	}
}

// SetPollingSuspended lets the public API pause or resume the
// smartPoll ticker without tearing down the session. Realtime delivery
// is unaffected either way.
func (m *Manager) SetPollingSuspended(suspended bool) {
	var v int32
	if suspended {
		v = 1
	}
	atomic.StoreInt32(&m.pollingSuspended, v)
}

// PollingSuspended reports the current manual-polling-control state.
func (m *Manager) PollingSuspended() bool {
	return atomic.LoadInt32(&m.pollingSuspended) == 1
}

// Connected reports whether the underlying driver is presently
// connected, for callers (such as the enrollment consumer) that must
// short-circuit rather than queue device work against a dead session.
func (m *Manager) Connected() bool {
	m.driverLock.Lock()
	defer m.driverLock.Unlock()
	return m.driver.IsConnected()
}

// ForceReconnect tears down the current connection, if any, and runs a
// fresh connectWithResilience attempt inline, for the public API's
// manual reconnect endpoint.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.driverLock.Lock()
	if m.driver.IsConnected() {
		disconnectCtx, cancel := context.WithTimeout(ctx, sideCallTimeout)
		if err := m.driver.Disconnect(disconnectCtx); err != nil {
			m.logger.WithError(err).Warn("disconnect before forced reconnect failed, continuing")
		}
		cancel()
	}
	m.driverLock.Unlock()

	return m.connectWithResilience(ctx)
}

// connect runs one connection attempt: hard 10s timeout, then a
// fire-and-forget getInfo and an enableRealtime, each bounded by 5s.
// The enableRealtime result is awaited (up to 6s) to choose between
// Realtime and Degraded; the listener is attached by virtue of OnEvent
// already having been registered in New.
func (m *Manager) connect(ctx context.Context) error {
	m.setState(StateConnecting)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	m.driverLock.Lock()
	err := m.driver.Connect(connectCtx, m.ip, m.port)
	m.driverLock.Unlock()
	if err != nil {
		return err
	}

	m.resetBaseline()
	atomic.StoreInt64(&m.lastEventAtMs, nowMillis())
	atomic.StoreInt32(&m.realtimeFailureCount, 0)

	logging.SafeGo(m.logger, func() {
		m.sideCall("getInfo", func(ctx context.Context) error {
			m.driverLock.Lock()
			defer m.driverLock.Unlock()
			_, err := m.driver.GetInfo(ctx)
			return err
		})
	})

	realtimeOK := make(chan bool, 1)
	go func() {
		defer logging.Recover(m.logger)
		err := m.sideCall("enableRealtime", func(ctx context.Context) error {
			m.driverLock.Lock()
			defer m.driverLock.Unlock()
			return m.driver.EnableRealtime(ctx)
		})
		realtimeOK <- err == nil
	}()

	m.setState(StateEnabled)
	select {
	case ok := <-realtimeOK:
		if ok {
			m.setState(StateRealtime)
		} else {
			m.setState(StateDegraded)
		}
	case <-time.After(sideCallTimeout + time.Second):
		m.setState(StateDegraded)
	}
	return nil
}

// sideCall runs a bounded, best-effort driver call: failures are
// logged but never abort the connection.
func (m *Manager) sideCall(name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), sideCallTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.logger.WithError(err).WithField("call", name).Warn("side call failed, continuing")
		return err
	}
	return nil
}

// connectWithResilience wraps connect in the retry + breaker policy:
// up to 3 attempts, 2s-10s exponential backoff with 25% jitter,
// guarded by a 3-failure/30s-reset breaker.
func (m *Manager) connectWithResilience(ctx context.Context) error {
	err := resilience.Retry(ctx, m.breaker, m.retryCfg, func(ctx context.Context) error {
		return m.connect(ctx)
	})
	if err != nil {
		m.setState(StateBackoff)
	}
	return err
}

// reconnectWatchdogLoop is the always-on timer that verifies the
// socket is live and schedules connect() through the breaker on
// failure. It is also what recovers the session once the breaker's
// reset timeout elapses.
func (m *Manager) reconnectWatchdogLoop(ctx context.Context) {
	defer m.wg.Done()

	m.tryConnect(ctx)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.driverLock.Lock()
			live := m.driver.IsConnected()
			m.driverLock.Unlock()
			if !live {
				m.tryConnect(ctx)
			}
		}
	}
}

func (m *Manager) tryConnect(ctx context.Context) {
	if err := m.connectWithResilience(ctx); err != nil {
		m.logger.WithError(err).Warn("connect attempt exhausted retries")
	}
}

// pollLoop runs smartPoll on a fixed period independent of the
// realtime listener.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.smartPoll(ctx)
		}
	}
}

// smartPoll implements the mode-transition logic: skip polling while
// realtime is healthy and not latched into permanent polling mode;
// otherwise escalate the failure count and, at threshold, latch
// permanentPollingMode and pull the log.
func (m *Manager) smartPoll(ctx context.Context) {
	if atomic.LoadInt32(&m.pollingSuspended) == 1 {
		return
	}

	m.driverLock.Lock()
	connected := m.driver.IsConnected()
	m.driverLock.Unlock()
	if !connected {
		return
	}

	sinceLastEvent := time.Duration(nowMillis()-atomic.LoadInt64(&m.lastEventAtMs)) * time.Millisecond
	failures := atomic.LoadInt32(&m.realtimeFailureCount)
	permanent := atomic.LoadInt32(&m.permanentPolling) == 1

	if sinceLastEvent < realtimeTimeout && failures < maxRealtimeFailures && !permanent {
		return
	}

	if sinceLastEvent >= realtimeTimeout && !permanent {
		newCount := atomic.AddInt32(&m.realtimeFailureCount, 1)
		if newCount >= maxRealtimeFailures {
			atomic.StoreInt32(&m.permanentPolling, 1)
			m.setState(StatePolling)
		} else {
			m.setState(StateBoth)
		}
	}

	m.pullAndEmit(ctx)
}

// pullAndEmit pulls the device log, diffs it against the baseline
// established on the most recent connect, and emits only the suffix.
func (m *Manager) pullAndEmit(ctx context.Context) {
	m.driverLock.Lock()
	entries, err := m.driver.PullLog(ctx)
	m.driverLock.Unlock()
	if err != nil {
		m.logger.WithError(err).Warn("pullLog failed")
		return
	}

	m.baselineMu.Lock()
	if !m.baselineSet {
		m.baselineLen = len(entries)
		m.baselineSet = true
		m.baselineMu.Unlock()
		return
	}
	start := m.baselineLen
	if start > len(entries) {
		start = len(entries)
	}
	suffix := entries[start:]
	m.baselineLen = len(entries)
	m.baselineMu.Unlock()

	for _, e := range suffix {
		m.emit(e.BiometricID, e.Instant, types.SourcePoll)
	}
}

func (m *Manager) resetBaseline() {
	m.baselineMu.Lock()
	m.baselineSet = false
	m.baselineLen = 0
	m.baselineMu.Unlock()
}

// handleFrame is the driver's realtime callback. It must never block:
// state bookkeeping is atomic/lock-free and the punch handoff to the
// pipeline is a non-blocking enqueue.
func (m *Manager) handleFrame(entry device.LogEntry) {
	atomic.StoreInt64(&m.lastEventAtMs, nowMillis())
	atomic.StoreInt32(&m.realtimeFailureCount, 0)

	if types.IsScanFailedID(entry.BiometricID) {
		m.sink.PublishScanFailed(m.deviceID)
		return
	}
	m.emit(entry.BiometricID, entry.Instant, types.SourceRealtime)
}

func (m *Manager) emit(biometricID types.BiometricId, instant time.Time, source types.EventSource) {
	m.sink.Ingest(types.RawPunch{
		BiometricID: biometricID,
		Instant:     instant,
		DeviceID:    m.deviceID,
		Source:      source,
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
