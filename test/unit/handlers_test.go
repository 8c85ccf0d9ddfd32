package unit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hivedesk/hivechat/internal/auth"
	"github.com/hivedesk/hivechat/internal/server"
	"github.com/hivedesk/hivechat/internal/store"
	"github.com/hivedesk/hivechat/test/testhelpers"
)

type handlerFixture struct {
	ts        *httptest.Server
	directory *testhelpers.FakeDirectory
	messages  *testhelpers.FakeMessageStore
	tokens    *auth.Tokens
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	directory := testhelpers.NewFakeDirectory()
	messages := testhelpers.NewFakeMessageStore()
	tokens := auth.NewTokens("unit-test-secret", time.Hour)

	cfg := server.NewConfig()
	hub := newRunningHub(t, directory)
	router := server.NewRouter(messages, directory, hub, cfg, testLogger())
	srv := server.NewServer(cfg, hub, router, tokens, directory, messages, testLogger())

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &handlerFixture{ts: ts, directory: directory, messages: messages, tokens: tokens}
}

func TestHealthEndpoint(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	resp, err := http.Get(f.ts.URL + "/")
	req.NoError(err)
	defer resp.Body.Close()

	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))
}

func TestWebSocketEndpointRejectsPost(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	resp, err := http.Post(f.ts.URL+"/ws", "application/json", nil)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	hash, err := auth.HashPassword("Sup3r-secret-pass!")
	req.NoError(err)
	f.directory.AddUser(store.User{ID: 1, Email: "alice@example.com", Name: "Alice", PasswordHash: hash})

	t.Run("valid credentials", func(t *testing.T) {
		req := require.New(t)
		body, _ := json.Marshal(map[string]string{
			"email":    "alice@example.com",
			"password": "Sup3r-secret-pass!",
		})
		resp, err := http.Post(f.ts.URL+"/login", "application/json", bytes.NewReader(body))
		req.NoError(err)
		defer resp.Body.Close()
		req.Equal(http.StatusOK, resp.StatusCode)

		var decoded struct {
			Token  string `json:"token"`
			UserID int64  `json:"userId"`
		}
		req.NoError(json.NewDecoder(resp.Body).Decode(&decoded))
		req.Equal(int64(1), decoded.UserID)

		claims, err := f.tokens.Validate(decoded.Token)
		req.NoError(err)
		req.Equal(int64(1), claims.UserID)
	})

	t.Run("wrong password", func(t *testing.T) {
		req := require.New(t)
		body, _ := json.Marshal(map[string]string{
			"email":    "alice@example.com",
			"password": "nope",
		})
		resp, err := http.Post(f.ts.URL+"/login", "application/json", bytes.NewReader(body))
		req.NoError(err)
		defer resp.Body.Close()
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown user", func(t *testing.T) {
		req := require.New(t)
		body, _ := json.Marshal(map[string]string{
			"email":    "ghost@example.com",
			"password": "whatever",
		})
		resp, err := http.Post(f.ts.URL+"/login", "application/json", bytes.NewReader(body))
		req.NoError(err)
		defer resp.Body.Close()
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := require.New(t)
		resp, err := http.Post(f.ts.URL+"/login", "application/json", bytes.NewReader([]byte("{")))
		req.NoError(err)
		defer resp.Body.Close()
		req.Equal(http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHistoryRequiresToken(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	resp, err := http.Get(f.ts.URL + "/history/direct/2")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestDirectHistory(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	f.directory.AddUser(store.User{ID: 1, Email: "alice@example.com"})
	req.NoError(f.messages.SaveDirect(store.DirectMessage{
		SenderID: 1, RecipientID: 2, Body: "hello", CreatedAt: time.Now().UTC(),
	}))

	token, err := f.tokens.Issue(1, "alice@example.com")
	req.NoError(err)

	request, err := http.NewRequest(http.MethodGet, f.ts.URL+"/history/direct/2", nil)
	req.NoError(err)
	request.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(request)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var decoded struct {
		Messages []store.DirectMessage `json:"messages"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&decoded))
	req.Len(decoded.Messages, 1)
	req.Equal("hello", decoded.Messages[0].Body)
}

func TestWorkspaceHistoryRequiresMembership(t *testing.T) {
	req := require.New(t)
	f := newHandlerFixture(t)

	f.directory.AddUser(store.User{ID: 3, Email: "clara@example.com"})
	f.directory.SetMembers(7, 1, 2)

	token, err := f.tokens.Issue(3, "clara@example.com")
	req.NoError(err)

	request, err := http.NewRequest(http.MethodGet, f.ts.URL+"/history/workspace/7", nil)
	req.NoError(err)
	request.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(request)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusForbidden, resp.StatusCode)
}
