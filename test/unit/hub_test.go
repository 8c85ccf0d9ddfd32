// Package unit contains unit tests for individual components of the
// HiveChat server. They exercise the hub, router, and handlers in isolation,
// with in-memory fakes standing in for the stores.
package unit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hivedesk/hivechat/internal/server"
	"github.com/hivedesk/hivechat/internal/store"
	"github.com/hivedesk/hivechat/test/testhelpers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRunningHub(t *testing.T, directory server.Directory) *server.Hub {
	t.Helper()
	hub := server.NewHub(directory, testLogger())
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// registerClient creates a socketless client and waits until the hub loop
// has picked up the registration.
func registerClient(t *testing.T, hub *server.Hub, userID int64, scope server.Scope, cfg server.Config) *server.Client {
	t.Helper()
	client := server.NewClient(nil, hub, nil, userID, scope, "test", cfg, testLogger())
	before := len(hub.ConnectionsOf(userID))
	hub.Register(client)
	require.Eventually(t, func() bool {
		return len(hub.ConnectionsOf(userID)) == before+1
	}, time.Second, 5*time.Millisecond, "client was not registered")
	return client
}

func TestRegisterAndSnapshot(t *testing.T) {
	req := require.New(t)
	hub := newRunningHub(t, testhelpers.NewFakeDirectory())
	cfg := server.NewConfig()

	first := registerClient(t, hub, 1, server.PersonalScope(), cfg)
	second := registerClient(t, hub, 1, server.PersonalScope(), cfg)
	registerClient(t, hub, 2, server.PersonalScope(), cfg)

	conns := hub.ConnectionsOf(1)
	req.Len(conns, 2)
	req.ElementsMatch([]*server.Client{first, second}, conns)
	req.Len(hub.ConnectionsOf(2), 1)
	req.Empty(hub.ConnectionsOf(3))
}

func TestSnapshotIsACopy(t *testing.T) {
	req := require.New(t)
	hub := newRunningHub(t, testhelpers.NewFakeDirectory())
	cfg := server.NewConfig()

	client := registerClient(t, hub, 1, server.PersonalScope(), cfg)
	snapshot := hub.ConnectionsOf(1)

	hub.Unregister(client)
	require.Eventually(t, func() bool {
		return len(hub.ConnectionsOf(1)) == 0
	}, time.Second, 5*time.Millisecond)

	// The earlier snapshot is unaffected by the mutation.
	req.Len(snapshot, 1)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := newRunningHub(t, testhelpers.NewFakeDirectory())
	cfg := server.NewConfig()

	client := registerClient(t, hub, 1, server.PersonalScope(), cfg)

	hub.Unregister(client)
	hub.Unregister(client)

	require.Eventually(t, func() bool {
		return len(hub.ConnectionsOf(1)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeliverReachesEveryConnectionOfUser(t *testing.T) {
	req := require.New(t)
	hub := newRunningHub(t, testhelpers.NewFakeDirectory())
	cfg := server.NewConfig()

	deviceX := registerClient(t, hub, 2, server.PersonalScope(), cfg)
	deviceY := registerClient(t, hub, 2, server.PersonalScope(), cfg)

	payload := []byte(`{"type":"direct","body":"hi"}`)
	hub.Deliver(payload, hub.ConnectionsOf(2))

	req.Equal(payload, testhelpers.ReceiveFrame(t, deviceX.GetSendChan(), time.Second))
	req.Equal(payload, testhelpers.ReceiveFrame(t, deviceY.GetSendChan(), time.Second))
}

func TestDeliverIsolatesSlowConnection(t *testing.T) {
	req := require.New(t)
	hub := newRunningHub(t, testhelpers.NewFakeDirectory())

	slowCfg := server.NewConfig()
	slowCfg.SendBuffer = 1
	slow := registerClient(t, hub, 2, server.PersonalScope(), slowCfg)
	healthy := registerClient(t, hub, 2, server.PersonalScope(), server.NewConfig())

	// First delivery fills the slow connection's buffer.
	hub.Deliver([]byte("one"), hub.ConnectionsOf(2))
	// Second delivery fails for the slow connection only.
	hub.Deliver([]byte("two"), hub.ConnectionsOf(2))

	req.Equal([]byte("one"), testhelpers.ReceiveFrame(t, healthy.GetSendChan(), time.Second))
	req.Equal([]byte("two"), testhelpers.ReceiveFrame(t, healthy.GetSendChan(), time.Second))

	// The slow connection was torn down; the healthy one survived.
	conns := hub.ConnectionsOf(2)
	req.Len(conns, 1)
	req.Equal(healthy, conns[0])
	req.NotEqual(slow, conns[0])

	// Later deliveries no longer target the removed connection.
	hub.Deliver([]byte("three"), hub.ConnectionsOf(2))
	req.Equal([]byte("three"), testhelpers.ReceiveFrame(t, healthy.GetSendChan(), time.Second))
}

func TestConnectionsOfWorkspaceMembers(t *testing.T) {
	req := require.New(t)
	directory := testhelpers.NewFakeDirectory()
	directory.AddUser(store.User{ID: 1})
	directory.AddUser(store.User{ID: 2})
	directory.AddUser(store.User{ID: 3})
	directory.SetMembers(7, 1, 2)

	hub := newRunningHub(t, directory)
	cfg := server.NewConfig()

	memberA := registerClient(t, hub, 1, server.WorkspaceScope(7), cfg)
	memberB := registerClient(t, hub, 2, server.WorkspaceScope(7), cfg)

	// A non-member, a personal-scope connection, and another workspace's
	// connection are all excluded from the snapshot.
	registerClient(t, hub, 3, server.WorkspaceScope(7), cfg)
	registerClient(t, hub, 1, server.PersonalScope(), cfg)
	registerClient(t, hub, 2, server.WorkspaceScope(8), cfg)

	targets, err := hub.ConnectionsOfWorkspaceMembers(context.Background(), 7)
	req.NoError(err)
	req.ElementsMatch([]*server.Client{memberA, memberB}, targets)
}

func TestMembershipResolvedAtDeliveryTime(t *testing.T) {
	req := require.New(t)
	directory := testhelpers.NewFakeDirectory()
	directory.SetMembers(7, 1, 2)

	hub := newRunningHub(t, directory)
	cfg := server.NewConfig()

	registerClient(t, hub, 1, server.WorkspaceScope(7), cfg)
	memberB := registerClient(t, hub, 2, server.WorkspaceScope(7), cfg)

	// Revoking membership takes effect on the next snapshot even though the
	// connection is still registered.
	directory.SetMembers(7, 2)

	targets, err := hub.ConnectionsOfWorkspaceMembers(context.Background(), 7)
	req.NoError(err)
	req.ElementsMatch([]*server.Client{memberB}, targets)
}

func TestShutdownCompletes(t *testing.T) {
	req := require.New(t)
	hub := server.NewHub(testhelpers.NewFakeDirectory(), testLogger())
	go hub.Run()

	registerClient(t, hub, 1, server.PersonalScope(), server.NewConfig())

	req.NoError(hub.Shutdown(2 * time.Second))
}
