package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/livesync/internal/livesync"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
)

type testAPI struct {
	repo    *repositories.MemoryDocumentRepository
	client  *livesync.Client
	tokens  *services.TokenService
	handler http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repo := repositories.NewMemoryDocumentRepository()
	client := livesync.New(repo, livesync.Options{}, zerolog.Nop())
	t.Cleanup(client.Close)

	tokens := services.NewTokenService("test-secret", time.Hour)
	return &testAPI{
		repo:    repo,
		client:  client,
		tokens:  tokens,
		handler: NewServer(client, tokens, zerolog.Nop()).Routes(),
	}
}

func (a *testAPI) token(t *testing.T, user string) string {
	t.Helper()
	token, _, err := a.tokens.Issue(user)
	require.NoError(t, err)
	return token
}

// do performs a request as user. An empty user sends no credentials.
func (a *testAPI) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, user))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// eventStream reads the data lines of a Server-Sent Events response. Data
// of "error" events goes to errs; data is closed when the server ends the
// stream.
type eventStream struct {
	data   chan string
	errs   chan string
	cancel context.CancelFunc
}

func (a *testAPI) openEvents(t *testing.T, user, path string) *eventStream {
	t.Helper()
	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path+sep+"access_token="+a.token(t, user), nil)
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s := &eventStream{data: make(chan string, 64), errs: make(chan string, 4), cancel: cancel}
	go func() {
		defer resp.Body.Close()
		defer close(s.data)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var event string
		for scanner.Scan() {
			text := scanner.Text()
			if name, ok := strings.CutPrefix(text, "event: "); ok {
				event = name
				continue
			}
			line, ok := strings.CutPrefix(text, "data: ")
			if !ok {
				continue
			}
			if event == "error" {
				s.errs <- line
			} else {
				s.data <- line
			}
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *eventStream) close() { s.cancel() }

// waitFor decodes events into T until cond holds.
func waitFor[T any](t *testing.T, s *eventStream, cond func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-s.data:
			require.True(t, ok, "event stream closed")
			var v T
			require.NoError(t, json.Unmarshal([]byte(line), &v))
			if cond(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

// waitClosed drains s until the server ends the stream.
func waitClosed(t *testing.T, s *eventStream) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.data:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream still open")
		}
	}
}
