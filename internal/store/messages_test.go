package store

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestMessages(t *testing.T) *MessageStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMessageStore(db, slog.Default())
}

func Test_Direct_History_Covers_Both_Directions(t *testing.T) {
	req := require.New(t)
	s := openTestMessages(t)

	at := time.Now().UTC()
	first := DirectMessage{ID: uuid.New(), SenderID: 1, RecipientID: 2, Body: "hello", CreatedAt: at}
	second := DirectMessage{ID: uuid.New(), SenderID: 2, RecipientID: 1, Body: "hi back", CreatedAt: at.Add(time.Minute)}

	req.NoError(s.SaveDirect(first))
	req.NoError(s.SaveDirect(second))

	// Same conversation regardless of argument order.
	messages, _, err := s.DirectHistory(1, 2, 10, nil)
	req.NoError(err)
	req.Len(messages, 2)
	req.Equal(second, messages[0])
	req.Equal(first, messages[1])

	reversed, _, err := s.DirectHistory(2, 1, 10, nil)
	req.NoError(err)
	req.Equal(messages, reversed)
}

func Test_Direct_History_Does_Not_Leak_Other_Conversations(t *testing.T) {
	req := require.New(t)
	s := openTestMessages(t)

	at := time.Now().UTC()
	req.NoError(s.SaveDirect(DirectMessage{ID: uuid.New(), SenderID: 1, RecipientID: 2, Body: "for bob", CreatedAt: at}))
	req.NoError(s.SaveDirect(DirectMessage{ID: uuid.New(), SenderID: 1, RecipientID: 3, Body: "for clara", CreatedAt: at}))

	messages, _, err := s.DirectHistory(1, 2, 10, nil)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("for bob", messages[0].Body)
}

func Test_Workspace_History_Pagination(t *testing.T) {
	req := require.New(t)
	s := openTestMessages(t)

	at := time.Now().UTC()
	bodies := []string{"one", "two", "three", "four", "five"}
	for i, body := range bodies {
		req.NoError(s.SaveWorkspace(WorkspaceMessage{
			ID:          uuid.New(),
			WorkspaceID: 7,
			SenderID:    1,
			Body:        body,
			CreatedAt:   at.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Newest first, two per page.
	page1, cursor, err := s.WorkspaceHistory(7, 2, nil)
	req.NoError(err)
	req.Len(page1, 2)
	req.Equal("five", page1[0].Body)
	req.Equal("four", page1[1].Body)
	req.NotNil(cursor)

	page2, cursor, err := s.WorkspaceHistory(7, 2, cursor)
	req.NoError(err)
	req.Len(page2, 2)
	req.Equal("three", page2[0].Body)
	req.Equal("two", page2[1].Body)
	req.NotNil(cursor)

	page3, cursor, err := s.WorkspaceHistory(7, 2, cursor)
	req.NoError(err)
	req.Len(page3, 1)
	req.Equal("one", page3[0].Body)

	page4, _, err := s.WorkspaceHistory(7, 2, cursor)
	req.NoError(err)
	req.Empty(page4)
}

func Test_Workspace_History_Scoped_By_Workspace(t *testing.T) {
	req := require.New(t)
	s := openTestMessages(t)

	at := time.Now().UTC()
	req.NoError(s.SaveWorkspace(WorkspaceMessage{ID: uuid.New(), WorkspaceID: 1, SenderID: 1, Body: "ws1", CreatedAt: at}))
	req.NoError(s.SaveWorkspace(WorkspaceMessage{ID: uuid.New(), WorkspaceID: 2, SenderID: 1, Body: "ws2", CreatedAt: at}))

	messages, _, err := s.WorkspaceHistory(1, 10, nil)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("ws1", messages[0].Body)
}

func Test_Empty_History(t *testing.T) {
	req := require.New(t)
	s := openTestMessages(t)

	messages, cursor, err := s.DirectHistory(1, 2, 10, nil)
	req.NoError(err)
	req.Empty(messages)
	req.Nil(cursor)
}
