// Package server coordinates connection registration, message fan-out, and
// teardown for the HiveChat WebSocket system via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/hivedesk/hivechat/internal/store"
)

// Directory answers identity and membership questions for the chat core.
// It is external state: the chat subsystem only ever reads it.
type Directory interface {
	UserExists(ctx context.Context, id int64) (bool, error)
	UserByEmail(ctx context.Context, email string) (store.User, error)
	IsMember(ctx context.Context, workspaceID, userID int64) (bool, error)
	Members(ctx context.Context, workspaceID int64) ([]int64, error)
}

// Hub is the registry of live connections, keyed by user, and the engine
// that fans messages out to them. It is the single source of truth for who
// is reachable right now; delivery never guesses liveness.
//
// Registration and unregistration flow through the Run loop; snapshots and
// sends take the registry lock directly so fan-out does not serialize behind
// lifecycle events.
type Hub struct {
	directory Directory
	log       *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	users   map[int64]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub that resolves workspace membership through directory.
func NewHub(directory Directory, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		directory:  directory,
		log:        log,
		clients:    make(map[*Client]struct{}),
		users:      make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a freshly authenticated connection to the hub loop. It
// returns once the loop has accepted the client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

// Unregister removes a connection from the registry. Safe to call multiple
// times and from concurrent teardown paths.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's lifecycle loop. It should be called in its own
// goroutine; it returns only after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	client.closed = false
	h.clients[client] = struct{}{}
	set, ok := h.users[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[client.userID] = set
	}
	set[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	client.log.Info("connection registered", "total", total)
}

// remove is the idempotent half of teardown: the first call closes the send
// channel and drops the registry entries, later calls are no-ops.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	if set, ok := h.users[client.userID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.users, client.userID)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	// Close the channel after releasing the lock.
	close(client.send)
	client.log.Info("connection unregistered", "total", total)
}

// ConnectionsOf returns a snapshot of the user's live connections. The
// snapshot is a copy; mutating the registry afterwards does not affect it.
func (h *Hub) ConnectionsOf(userID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.users[userID])
}

// ConnectionsOfWorkspaceMembers returns a snapshot of every connection
// opened for the given workspace whose owning user is, right now, a member
// of it. Membership is resolved against the directory at call time.
func (h *Hub) ConnectionsOfWorkspaceMembers(ctx context.Context, workspaceID int64) ([]*Client, error) {
	members, err := h.directory.Members(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	memberSet := lo.SliceToMap(members, func(id int64) (int64, struct{}) {
		return id, struct{}{}
	})

	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*Client
	for client := range h.clients {
		if client.scope.WorkspaceID != workspaceID {
			continue
		}
		if _, ok := memberSet[client.userID]; ok {
			targets = append(targets, client)
		}
	}
	return targets, nil
}

// Deliver attempts a non-blocking send of payload to every target. A full
// buffer or an already-closed target counts as a delivery failure for that
// one connection: it is torn down, and delivery to the rest continues.
func (h *Hub) Deliver(payload []byte, targets []*Client) {
	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailed(failed)
}

// safeSend is the guarded send used by fan-out and by a connection's own
// ack/error frames alike. Holding the lock for the whole send keeps teardown
// from closing the channel between the liveness check and the send.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) removeFailed(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	var channelsToClose []chan []byte
	for _, client := range failed {
		if _, exists := h.clients[client]; !exists {
			continue
		}
		delete(h.clients, client)
		client.closed = true
		if set, ok := h.users[client.userID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.users, client.userID)
			}
		}
		channelsToClose = append(channelsToClose, client.send)
		client.log.Warn("connection removed due to full send buffer")
	}
	h.mu.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mu.Lock()
	clients := lo.Keys(h.clients)
	h.mu.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Error("error closing client connection", "error", err)
			}
		}
	}

	h.log.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub loop, closes every connection, and waits for the
// pump goroutines to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
