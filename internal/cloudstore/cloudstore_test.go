package cloudstore

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/types"
)

// These tests only run against a local Firestore emulator
// (gcloud emulators firestore start --host-port=localhost:8618) since
// the SDK types here are not practically fakeable behind an interface.
func emulatorRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func newTestStore(t *testing.T) *Store {
	const addr = "localhost:8618"
	if !emulatorRunning(addr) {
		t.Skip("firestore emulator is not running at " + addr)
	}
	os.Setenv("FIRESTORE_EMULATOR_HOST", addr)

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "zk-bridge-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(logrus.New(), client)
}

func TestLookupByBiometricIDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.client.Collection(usersCollection).Doc("member-1").Set(ctx, types.UserRecord{
		ID:          "member-1",
		Name:        "Ada Lovelace",
		BiometricID: "77",
	})
	require.NoError(t, err)

	user, found, err := s.LookupByBiometricID(ctx, "77")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Ada Lovelace", user.Name)

	_, found, err = s.LookupByBiometricID(ctx, "does-not-exist")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCreateRejectsDuplicatePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := types.AttendanceRecord{UserID: "u1", Date: "2026-07-29"}
	require.NoError(t, s.Create(ctx, "attendance_logs/2026-07-29/records/u1", record))

	err := s.Create(ctx, "attendance_logs/2026-07-29/records/u1", record)
	require.Error(t, err)
}

func TestBatchCreateWritesEveryRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := map[string]types.AttendanceRecord{
		"attendance_logs/2026-07-29/records/u2": {UserID: "u2", Date: "2026-07-29"},
		"attendance_logs/2026-07-29/records/u3": {UserID: "u3", Date: "2026-07-29"},
	}
	perPath, err := s.BatchCreate(ctx, records)
	require.NoError(t, err)
	require.Empty(t, perPath)
}

func TestPingTreatsMissingSentinelAsHealthy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
