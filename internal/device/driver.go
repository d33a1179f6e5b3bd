// Package device defines the capability set the session manager,
// discovery scanner, and enrollment consumer all talk to: an opaque
// driver contract (connect, enableRealtime, onEvent, pullLog, setUser,
// deleteUser, getInfo, disconnect). The vendor wire framing itself is
// out of scope; there are two implementations — a TCP-backed ZKTeco
// driver and a randomized simulator used when useMockDevice is set.
package device

import (
	"context"
	"time"

	"zk-attendance-bridge/internal/types"
)

// LogEntry is one row as returned by PullLog: a punch with no Source
// tag attached yet (the caller knows whether this was a realtime push
// or a poll).
type LogEntry struct {
	BiometricID types.BiometricId
	Instant     time.Time
}

// EventCallback is invoked by the driver for every realtime frame. The
// driver must never block waiting for the callback to return — the
// callback path is precious and must not itself await pipeline work.
type EventCallback func(entry LogEntry)

// Driver is the capability set of a ZKTeco-family terminal. Both the
// real TCP driver and the mock/simulator implement it identically so
// the session manager is unaware which one it holds.
type Driver interface {
	// Connect dials the device. Callers wrap this with a hard timeout
	// and the resilience retry/breaker policy; Connect itself does not
	// retry.
	Connect(ctx context.Context, ip string, port int) error

	// EnableRealtime switches the device into push-event mode. Some
	// terminals/firmwares do not support this; a failure here is
	// logged by the caller and does not abort the connection.
	EnableRealtime(ctx context.Context) error

	// OnEvent registers the realtime callback. Must be called after a
	// successful Connect.
	OnEvent(cb EventCallback)

	// PullLog returns every attendance log entry presently on the
	// device, oldest first. The caller is responsible for computing
	// the suffix beyond any previously observed length.
	PullLog(ctx context.Context) ([]LogEntry, error)

	// SetUser enrolls or updates a user on the device.
	SetUser(ctx context.Context, req SetUserRequest) error

	// DeleteUser removes a user from the device.
	DeleteUser(ctx context.Context, biometricID types.BiometricId) error

	// GetInfo fetches device identity metadata.
	GetInfo(ctx context.Context) (types.DeviceInfo, error)

	// Disconnect tears down the connection. It must be safe to call
	// multiple times and must not block indefinitely even if the
	// underlying transport is wedged.
	Disconnect(ctx context.Context) error

	// IsConnected reports the driver's own view of liveness, used by
	// the reconnect watchdog between polling ticks.
	IsConnected() bool
}

// UserLister is an optional capability: drivers that can enumerate
// already-enrolled biometric IDs without a full protocol round trip
// implement it. The mock driver satisfies it directly from its
// in-memory set; the real ZKTeco driver does not, since enumerating
// users needs a USB-file-transfer-style command this driver doesn't
// implement, so /users callers should treat a failed type assertion
// as "not supported by this device."
type UserLister interface {
	ListUsers() []types.BiometricId
}

// SetUserRequest carries the fields the enrollment write needs:
// setUser(uid=parseInt(biometricId), userid=biometricId, name,
// pwd="", role=0, cardno=0).
type SetUserRequest struct {
	UID         int
	BiometricID types.BiometricId
	Name        string
	Password    string
	Role        int
	CardNo      int
}
