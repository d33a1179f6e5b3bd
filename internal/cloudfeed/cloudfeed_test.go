package cloudfeed

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/types"
)

func TestIntentDocToIntentCarriesKeyAndFields(t *testing.T) {
	now := time.Now()
	doc := intentDoc{
		BiometricID:    "42",
		Name:           "Grace Hopper",
		EsslEnrolled:   true,
		EsslStatus:     types.EnrollmentSuccess,
		EsslEnrolledAt: &now,
	}

	intent := doc.toIntent("key-42")
	require.Equal(t, "key-42", intent.Key)
	require.Equal(t, types.BiometricId("42"), intent.BiometricID)
	require.Equal(t, "Grace Hopper", intent.Name)
	require.True(t, intent.EsslEnrolled)
}

// Integration tests below only run against a local Realtime Database
// emulator (firebase emulators:start --only database), matching the
// same skip-if-unreachable pattern the Firestore store uses.
func newTestFeed(t *testing.T) *Feed {
	const addr = "localhost:9000"
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		t.Skip("firebase database emulator is not running at " + addr)
	}
	conn.Close()
	os.Setenv("FIREBASE_DATABASE_EMULATOR_HOST", addr)

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   "zk-bridge-test",
		DatabaseURL: "http://" + addr + "/?ns=zk-bridge-test",
	})
	require.NoError(t, err)

	client, err := app.Database(ctx)
	require.NoError(t, err)

	return New(logrus.New(), client, "/member_registrations")
}

func TestFeedReplaysExistingChildrenThenNewOnes(t *testing.T) {
	feed := newTestFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, feed.client.NewRef(feed.path).Child("existing-1").Set(ctx, map[string]interface{}{
		"biometricId": "1",
		"name":        "Pre-existing Member",
	}))

	var seenKeys []string
	feed.OnChildAdded(func(key string, intent types.EnrollmentIntent) {
		seenKeys = append(seenKeys, key)
	})
	feed.pollInterval = 200 * time.Millisecond
	feed.Start(ctx)
	defer feed.Stop()

	<-feed.Ready()
	require.Contains(t, seenKeys, "existing-1")

	require.NoError(t, feed.client.NewRef(feed.path).Child("new-1").Set(ctx, map[string]interface{}{
		"biometricId": "2",
		"name":        "New Member",
	}))
	require.Eventually(t, func() bool {
		for _, k := range seenKeys {
			if k == "new-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 50*time.Millisecond)
}

func TestFeedUpdateWritesPartialMerge(t *testing.T) {
	feed := newTestFeed(t)
	ctx := context.Background()

	require.NoError(t, feed.client.NewRef(feed.path).Child("u-1").Set(ctx, map[string]interface{}{
		"biometricId": "9",
		"name":        "Test User",
	}))
	require.NoError(t, feed.Update(ctx, "u-1", map[string]interface{}{"esslEnrolled": true}))

	var out map[string]interface{}
	require.NoError(t, feed.client.NewRef(feed.path).Child("u-1").Get(ctx, &out))
	require.Equal(t, true, out["esslEnrolled"])
}
