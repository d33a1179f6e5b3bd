package mock

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/device"
)

func TestMockGeneratesEvents(t *testing.T) {
	logger := logrus.New()
	d := New(logger, 20*time.Millisecond)

	received := make(chan device.LogEntry, 10)
	d.OnEvent(func(e device.LogEntry) { received <- e })

	require.NoError(t, d.Connect(context.Background(), "127.0.0.1", 4370))
	require.NoError(t, d.EnableRealtime(context.Background()))

	select {
	case e := <-received:
		require.NotEmpty(t, e.BiometricID)
	case <-time.After(time.Second):
		t.Fatal("expected at least one fabricated event")
	}

	require.NoError(t, d.Disconnect(context.Background()))
	require.False(t, d.IsConnected())
}

func TestMockSetAndDeleteUser(t *testing.T) {
	d := New(logrus.New(), time.Hour)
	ctx := context.Background()

	require.NoError(t, d.SetUser(ctx, device.SetUserRequest{BiometricID: "42", Name: "Alice"}))
	require.Contains(t, d.ListUsers(), "42")

	require.NoError(t, d.DeleteUser(ctx, "42"))
	require.NotContains(t, d.ListUsers(), "42")

	require.Error(t, d.DeleteUser(ctx, "42"))
}
