// Package testhelpers provides fakes and utilities shared by the unit and
// integration tests of the HiveChat server.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/hivedesk/hivechat/internal/store"
)

// FakeDirectory is an in-memory implementation of the server's Directory
// interface for tests that do not want a real SQLite database.
type FakeDirectory struct {
	mu      sync.Mutex
	users   map[int64]store.User
	members map[int64][]int64
}

// NewFakeDirectory creates an empty directory fake.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		users:   make(map[int64]store.User),
		members: make(map[int64][]int64),
	}
}

// AddUser registers a user in the fake.
func (f *FakeDirectory) AddUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// SetMembers replaces the member list of a workspace.
func (f *FakeDirectory) SetMembers(workspaceID int64, userIDs ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[workspaceID] = userIDs
}

func (f *FakeDirectory) UserExists(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[id]
	return ok, nil
}

func (f *FakeDirectory) UserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *FakeDirectory) IsMember(_ context.Context, workspaceID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo.Contains(f.members[workspaceID], userID), nil
}

func (f *FakeDirectory) Members(_ context.Context, workspaceID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.members[workspaceID]...), nil
}

// FakeMessageStore records saved messages in memory. Setting FailSaves makes
// every save return an error, for persistence-failure paths.
type FakeMessageStore struct {
	mu        sync.Mutex
	FailSaves bool

	Direct    []store.DirectMessage
	Workspace []store.WorkspaceMessage
}

// NewFakeMessageStore creates an empty message store fake.
func NewFakeMessageStore() *FakeMessageStore {
	return &FakeMessageStore{}
}

var errSaveFailed = errors.New("save failed")

func (f *FakeMessageStore) SaveDirect(msg store.DirectMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSaves {
		return errSaveFailed
	}
	f.Direct = append(f.Direct, msg)
	return nil
}

func (f *FakeMessageStore) SaveWorkspace(msg store.WorkspaceMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSaves {
		return errSaveFailed
	}
	f.Workspace = append(f.Workspace, msg)
	return nil
}

func (f *FakeMessageStore) DirectHistory(userA, userB int64, limit int, _ *string) ([]store.DirectMessage, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches := lo.Filter(f.Direct, func(m store.DirectMessage, _ int) bool {
		return (m.SenderID == userA && m.RecipientID == userB) ||
			(m.SenderID == userB && m.RecipientID == userA)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil, nil
}

func (f *FakeMessageStore) WorkspaceHistory(workspaceID int64, limit int, _ *string) ([]store.WorkspaceMessage, *string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches := lo.Filter(f.Workspace, func(m store.WorkspaceMessage, _ int) bool {
		return m.WorkspaceID == workspaceID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil, nil
}

// DirectCount returns how many direct messages have been saved.
func (f *FakeMessageStore) DirectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Direct)
}

// WorkspaceCount returns how many workspace messages have been saved.
func (f *FakeMessageStore) WorkspaceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Workspace)
}

// ReceiveFrame reads one raw frame off a client send channel, failing the
// test if none arrives within the timeout.
func ReceiveFrame(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatal("send channel closed while waiting for a frame")
		}
		return payload
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a frame")
	}
	return nil
}

// ExpectNoFrame asserts that nothing lands on the channel within the window.
func ExpectNoFrame(t *testing.T, ch <-chan []byte, window time.Duration) {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if ok {
			t.Fatalf("expected no frame, got %s", payload)
		}
	case <-time.After(window):
	}
}

// DecodeFrame unmarshals a raw frame into a loosely typed map for
// assertions on individual fields.
func DecodeFrame(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("failed to decode frame %s: %v", payload, err)
	}
	return decoded
}

// WebSocketURL converts an httptest server URL into a ws:// URL for the
// given path and token.
func WebSocketURL(t *testing.T, baseURL, path, token string) string {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	if token == "" {
		return wsURL + path
	}
	return wsURL + path + "?token=" + token
}

// Dial opens a websocket connection with the Origin header the server's
// allow-list expects.
func Dial(t *testing.T, wsURL, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	return conn
}

// ReadJSON reads one frame from the connection with a deadline and decodes
// it into a map.
func ReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return DecodeFrame(t, payload)
}
