// Package zkteco is the TCP-backed device.Driver implementation for a
// real terminal. The vendor binary framing is proprietary and out of
// scope for this bridge; this package owns only the connection
// lifecycle (dial, keepalive, command timeouts) around that framing,
// leaving the byte-level parsing as a clearly marked extension point.
package zkteco

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/types"
)

// Well-known ZKTeco SDK command codes (published by the vendor's own
// SDK documentation; framing of the payload that follows them is not
// reproduced here).
const (
	cmdConnect      uint16 = 1000
	cmdExit         uint16 = 1001
	cmdEnableDevice uint16 = 1002
	cmdDisableDevice uint16 = 1003
	cmdAttLogRRQ    uint16 = 13
	cmdUserWRQ      uint16 = 8
	cmdDeleteUser   uint16 = 18
	cmdGetInfo      uint16 = 11
	cmdAck          uint16 = 2000
)

// Driver is a device.Driver backed by a live TCP connection to the
// terminal's port 4370.
type Driver struct {
	mu        sync.Mutex
	conn      net.Conn
	sessionID uint16
	connected bool

	onEvent device.EventCallback

	dialTimeout    time.Duration
	commandTimeout time.Duration
}

// New constructs a driver with sane timeout defaults (10s connect
// handshake, 5s per-command).
func New() *Driver {
	return &Driver{
		dialTimeout:    10 * time.Second,
		commandTimeout: 5 * time.Second,
	}
}

func (d *Driver) Connect(ctx context.Context, ip string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", ip, port)
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial device at %s: %w", addr, err)
	}

	if err := d.sendCommand(conn, cmdConnect, nil); err != nil {
		conn.Close()
		return fmt.Errorf("connect handshake: %w", err)
	}

	d.conn = conn
	d.connected = true
	return nil
}

func (d *Driver) EnableRealtime(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.sendCommand(conn, cmdEnableDevice, nil)
}

// OnEvent registers the realtime callback. This driver has no frame
// reader: the callback is stored but never invoked, so realtime punches
// are not delivered through it.
func (d *Driver) OnEvent(cb device.EventCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = cb
}

func (d *Driver) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := d.sendCommand(conn, cmdAttLogRRQ, nil); err != nil {
		return nil, fmt.Errorf("pull log: %w", err)
	}
	// The reply payload (per-record biometric ID + timestamp) is not
	// read or decoded; PullLog always reports no entries, which the
	// session manager's smartPoll suffix diff treats as "nothing new".
	return nil, nil
}

func (d *Driver) SetUser(ctx context.Context, req device.SetUserRequest) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.sendCommand(conn, cmdUserWRQ, nil)
}

func (d *Driver) DeleteUser(ctx context.Context, biometricID types.BiometricId) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return d.sendCommand(conn, cmdDeleteUser, nil)
}

func (d *Driver) GetInfo(ctx context.Context) (types.DeviceInfo, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return types.DeviceInfo{}, fmt.Errorf("not connected")
	}
	if err := d.sendCommand(conn, cmdGetInfo, nil); err != nil {
		return types.DeviceInfo{}, err
	}
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	info := types.DeviceInfo{IP: host}
	if p, err := parsePort(portStr); err == nil {
		info.Port = p
	}
	return info, nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		d.connected = false
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.sendCommand(d.conn, cmdExit, nil) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		// Driver hung on graceful exit; fall through to hard close so
		// the session still converges to Idle.
	}

	err := d.conn.Close()
	d.conn = nil
	d.connected = false
	return err
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// sendCommand writes a minimal fixed-size header (command code,
// checksum, session ID, reply ID) and waits for an ack within
// commandTimeout. It does not attempt to encode/decode command-specific
// payloads.
func (d *Driver) sendCommand(conn net.Conn, command uint16, payload []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], command)
	binary.LittleEndian.PutUint16(header[2:4], 0) // checksum, computed by real SDK binding
	binary.LittleEndian.PutUint16(header[4:6], d.sessionID)
	binary.LittleEndian.PutUint16(header[6:8], 0) // reply counter

	if err := conn.SetWriteDeadline(time.Now().Add(d.commandTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write command %d: %w", command, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(d.commandTimeout)); err != nil {
		return err
	}
	ack := make([]byte, 8)
	if _, err := conn.Read(ack); err != nil {
		return fmt.Errorf("read ack for command %d: %w", command, err)
	}
	replyCmd := binary.LittleEndian.Uint16(ack[0:2])
	if replyCmd != cmdAck {
		return fmt.Errorf("unexpected reply code %d for command %d", replyCmd, command)
	}
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}
