// Package mock is a randomized simulator standing in for a real
// terminal, selected when configuration sets useMockDevice. A ticker
// generates punches for a small pool of biometric IDs at a configured
// interval so the rest of the pipeline can be exercised end to end
// without physical hardware.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/types"
)

// Driver is an in-memory device.Driver that fabricates realtime
// events on a timer and answers pullLog/getInfo/setUser/deleteUser
// against an in-memory user set.
type Driver struct {
	mu sync.Mutex

	logger   *logrus.Entry
	interval time.Duration
	userIDs  []types.BiometricId

	connected bool
	onEvent   device.EventCallback
	stop      chan struct{}

	log []device.LogEntry
}

// New constructs a mock driver. interval is the average spacing
// between fabricated punches; if zero, it defaults to 30s.
func New(logger *logrus.Logger, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Driver{
		logger:   logging(logger),
		interval: interval,
		userIDs:  []types.BiometricId{"1", "2", "3", "4", "5"},
	}
}

func logging(l *logrus.Logger) *logrus.Entry {
	return l.WithField("component", "mock-device")
}

func (d *Driver) Connect(ctx context.Context, ip string, port int) error {
	d.mu.Lock()
	d.connected = true
	d.stop = make(chan struct{})
	d.mu.Unlock()
	d.logger.WithFields(logrus.Fields{"ip": ip, "port": port}).Info("mock device connected")
	return nil
}

func (d *Driver) EnableRealtime(ctx context.Context) error {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop == nil {
		return fmt.Errorf("not connected")
	}
	go d.generate(stop)
	return nil
}

func (d *Driver) generate(stop chan struct{}) {
	for {
		wait := time.Duration(float64(d.interval) * (0.5 + rand.Float64()))
		select {
		case <-stop:
			return
		case <-time.After(wait):
		}

		d.mu.Lock()
		cb := d.onEvent
		id := d.userIDs[rand.Intn(len(d.userIDs))]
		entry := device.LogEntry{BiometricID: id, Instant: time.Now()}
		d.log = append(d.log, entry)
		d.mu.Unlock()

		if cb != nil {
			cb(entry)
		}
	}
}

func (d *Driver) OnEvent(cb device.EventCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = cb
}

func (d *Driver) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.LogEntry, len(d.log))
	copy(out, d.log)
	return out, nil
}

func (d *Driver) SetUser(ctx context.Context, req device.SetUserRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.userIDs {
		if id == req.BiometricID {
			return nil
		}
	}
	d.userIDs = append(d.userIDs, req.BiometricID)
	return nil
}

func (d *Driver) DeleteUser(ctx context.Context, biometricID types.BiometricId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, id := range d.userIDs {
		if id == biometricID {
			d.userIDs = append(d.userIDs[:i], d.userIDs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", biometricID)
}

func (d *Driver) GetInfo(ctx context.Context) (types.DeviceInfo, error) {
	return types.DeviceInfo{
		IP:       "127.0.0.1",
		Port:     4370,
		Name:     "Mock ZKTeco Terminal",
		Model:    "ZK-SIM",
		Serial:   "SIM-0001",
		Firmware: "sim-1.0",
	}, nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.connected = false
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// ListUsers exposes the in-memory user set for the /users handler,
// which is otherwise a passthrough to the device; the mock has no
// network round trip to make, so this is a direct read.
func (d *Driver) ListUsers() []types.BiometricId {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.BiometricId, len(d.userIDs))
	copy(out, d.userIDs)
	return out
}
