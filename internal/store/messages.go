// Package store holds the durable state behind the chat service: the
// append-only message log (badger) and the user/workspace directory (sqlite).
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// DirectMessage is the persisted record of a one-to-one chat message.
// Records are immutable once written.
type DirectMessage struct {
	ID          uuid.UUID `json:"id"`
	SenderID    int64     `json:"senderId"`
	RecipientID int64     `json:"recipientId"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WorkspaceMessage is the persisted record of a workspace-wide chat message.
type WorkspaceMessage struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID int64     `json:"workspaceId"`
	SenderID    int64     `json:"senderId"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageStore persists chat messages in BadgerDB.
//
// Keys embed a 19-digit zero-padded nanosecond timestamp so that a prefix
// scan returns messages in chronological order, and the message UUID so two
// messages landing on the same nanosecond cannot collide:
//
//	dm:{loUserID}:{hiUserID}:{nanos}:{uuid}
//	ws:{workspaceID}:{nanos}:{uuid}
//
// Direct conversations are keyed by the ordered user-id pair, so both
// directions of a conversation share one prefix.
type MessageStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenMessages opens (or creates) the badger database at path.
func OpenMessages(path string, log *slog.Logger) (*MessageStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return NewMessageStore(db, log), nil
}

// NewMessageStore wraps an already-open badger database.
func NewMessageStore(db *badger.DB, log *slog.Logger) *MessageStore {
	return &MessageStore{db: db, log: log}
}

// Close releases the underlying database.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func directPrefix(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d:", a, b)
}

func workspacePrefix(workspaceID int64) string {
	return fmt.Sprintf("ws:%d:", workspaceID)
}

// SaveDirect durably records a direct message. It must return before the
// message is acknowledged or delivered to anyone.
func (s *MessageStore) SaveDirect(msg DirectMessage) error {
	key := fmt.Sprintf("%s%019d:%s", directPrefix(msg.SenderID, msg.RecipientID), msg.CreatedAt.UnixNano(), msg.ID)
	return s.save(key, msg)
}

// SaveWorkspace durably records a workspace message.
func (s *MessageStore) SaveWorkspace(msg WorkspaceMessage) error {
	key := fmt.Sprintf("%s%019d:%s", workspacePrefix(msg.WorkspaceID), msg.CreatedAt.UnixNano(), msg.ID)
	return s.save(key, msg)
}

func (s *MessageStore) save(key string, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// DirectHistory returns up to limit messages between the two users, newest
// first. The returned cursor resumes the scan on the next call; nil input
// starts from the most recent message.
func (s *MessageStore) DirectHistory(userA, userB int64, limit int, cursor *string) ([]DirectMessage, *string, error) {
	raw, next, err := s.scan(directPrefix(userA, userB), limit, cursor)
	if err != nil {
		return nil, nil, err
	}
	messages, err := decodeAll[DirectMessage](raw)
	return messages, next, err
}

// WorkspaceHistory returns up to limit messages in the workspace, newest
// first, with the same cursor contract as DirectHistory.
func (s *MessageStore) WorkspaceHistory(workspaceID int64, limit int, cursor *string) ([]WorkspaceMessage, *string, error) {
	raw, next, err := s.scan(workspacePrefix(workspaceID), limit, cursor)
	if err != nil {
		return nil, nil, err
	}
	messages, err := decodeAll[WorkspaceMessage](raw)
	return messages, next, err
}

// scan walks the prefix in reverse so history pages start from the newest
// entry. The padded timestamp keeps lexicographic and chronological order
// identical, so seeking to prefix + all-nines lands past the newest key.
func (s *MessageStore) scan(prefixStr string, limit int, cursor *string) ([][]byte, *string, error) {
	var values [][]byte
	var lastKey string

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixStr)

		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		if cursor == nil {
			seekKey = append(prefix, []byte("9999999999999999999")...)
		} else {
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(values) == limit {
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefix):])
			if err := item.Value(func(value []byte) error {
				values = append(values, append([]byte(nil), value...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(values) == 0 {
		return nil, nil, nil
	}
	return values, &lastKey, nil
}

func decodeAll[T any](raw [][]byte) ([]T, error) {
	messages := make([]T, 0, len(raw))
	for _, value := range raw {
		var msg T
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
