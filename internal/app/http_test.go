package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanban/api/internal/auth"
)

func (f *fixture) token(t *testing.T, member string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(f.cfg.JWTSecret), member, member, ttl)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, member string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if member != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, member, time.Hour))
		req.Header.Set(headerSessionID, "tab-"+member)
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func idsOf(t *testing.T, list any) []string {
	t.Helper()
	items, ok := list.([]any)
	require.True(t, ok, "expected a list, got %T", list)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.(map[string]any)["id"].(string))
	}
	return ids
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newFixture()

	rr := f.do(t, http.MethodGet, "/api/boards", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeJSON(t, rr)["code"])
}

func TestExpiredTokenIsRejected(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/boards", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "ada", -time.Minute))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBoardAndCardLifecycle(t *testing.T) {
	f := newFixture()

	rr := f.do(t, http.MethodPost, "/api/boards", "ada", map[string]any{"name": "Roadmap"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	boardID := decodeJSON(t, rr)["id"].(string)
	base := "/api/boards/" + boardID

	var ids []string
	for _, name := range []string{"Todo", "Doing", "Done"} {
		rr = f.do(t, http.MethodPost, base+"/cards", "ada", map[string]any{"name": name})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		ids = append(ids, decodeJSON(t, rr)["id"].(string))
	}

	rr = f.do(t, http.MethodPatch, base+"/cards/"+ids[2], "ada", map[string]any{"beforeId": ids[0], "afterId": ids[1]})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decodeJSON(t, rr)
	assert.Equal(t, true, moved["changed"])
	assert.Equal(t, float64(1), moved["index"])

	rr = f.do(t, http.MethodGet, base+"/cards", "ada", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{ids[0], ids[2], ids[1]}, idsOf(t, decodeJSON(t, rr)["cards"]))

	rr = f.do(t, http.MethodPut, base+"/cards/"+ids[1], "ada", map[string]any{"name": "In progress"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "In progress", decodeJSON(t, rr)["name"])

	rr = f.do(t, http.MethodDelete, base+"/cards/"+ids[1], "ada", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, base+"/cards/"+ids[1], "ada", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeJSON(t, rr)["code"])
}

func TestMoveCardErrorStatuses(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "a", "b", "c", "d")
	base := "/api/boards/" + boardID + "/cards/"

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{
			name:   "neighbours no longer adjacent",
			body:   map[string]any{"beforeId": ids[1], "afterId": ids[3]},
			status: http.StatusConflict,
			code:   "CONFLICT",
		},
		{
			name:   "item named as its own neighbour",
			body:   map[string]any{"beforeId": ids[0]},
			status: http.StatusPreconditionFailed,
			code:   "PRECONDITION_FAILED",
		},
		{
			name:   "neighbours in the wrong order",
			body:   map[string]any{"beforeId": ids[2], "afterId": ids[1]},
			status: http.StatusPreconditionFailed,
			code:   "PRECONDITION_FAILED",
		},
		{
			name:   "unknown neighbour",
			body:   map[string]any{"afterId": "card_gone"},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPatch, base+ids[0], "ada", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, decodeJSON(t, rr)["code"])
		})
	}
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")

	req := httptest.NewRequest(http.MethodPost, "/api/boards/"+boardID+"/cards", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+f.token(t, "ada", time.Hour))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decodeJSON(t, rr)["code"])
}

func TestCreateCardRequiresName(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")

	rr := f.do(t, http.MethodPost, "/api/boards/"+boardID+"/cards", "ada", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeJSON(t, rr)["code"])
}

func TestTaskMoveAcrossCardsOverHTTP(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo", "Done")
	todo := f.tasks(t, "ada", boardID, cards[0], "write", "review")
	done := f.tasks(t, "ada", boardID, cards[1], "ship")

	path := "/api/boards/" + boardID + "/cards/" + cards[0] + "/tasks/" + todo[0]
	rr := f.do(t, http.MethodPatch, path, "ada", map[string]any{"newCardId": cards[1], "beforeId": done[0]})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, cards[1], decodeJSON(t, rr)["cardId"])

	rr = f.do(t, http.MethodGet, "/api/boards/"+boardID+"/cards/"+cards[1]+"/tasks", "ada", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{done[0], todo[0]}, idsOf(t, decodeJSON(t, rr)["tasks"]))

	// The old path no longer finds the task.
	rr = f.do(t, http.MethodGet, path, "ada", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTaskDropOntoEmptyCardOverHTTP(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo", "Done")
	todo := f.tasks(t, "ada", boardID, cards[0], "write")

	path := "/api/boards/" + boardID + "/cards/" + cards[0] + "/tasks/" + todo[0]
	rr := f.do(t, http.MethodPatch, path, "ada", map[string]any{"newCardId": cards[1]})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeJSON(t, rr)
	assert.Equal(t, cards[1], body["cardId"])
	assert.Equal(t, true, body["changed"])

	rr = f.do(t, http.MethodGet, "/api/boards/"+boardID+"/cards/"+cards[1]+"/tasks", "ada", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{todo[0]}, idsOf(t, decodeJSON(t, rr)["tasks"]))

	rr = f.do(t, http.MethodGet, "/api/boards/"+boardID+"/cards/"+cards[0]+"/tasks", "ada", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, idsOf(t, decodeJSON(t, rr)["tasks"]))
}

func TestNonMemberCannotSeeBoard(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")

	rr := f.do(t, http.MethodGet, "/api/boards/"+boardID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/boards", "mallory", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeJSON(t, rr)["boards"])
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	f := newFixture()

	rr := f.do(t, http.MethodGet, "/api/nothing-here", "ada", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeJSON(t, rr)["code"])
}

// streamRecorder lets the test read the body while the handler writes.
type streamRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *streamRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResponseRecorder.Flush()
}

func (r *streamRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Body.String()
}

func TestEventStreamRelaysOtherSessions(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	_, err := f.service.AddMember(context.Background(), asMember("ada"), boardID, "grace")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := "/api/boards/" + boardID + "/events?token=" + f.token(t, "grace", time.Hour) + "&session=tab-grace"
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := &streamRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.Handler().ServeHTTP(rec, req)
	}()
	require.Eventually(t, func() bool { return f.hub.Subscribers(boardID) == 1 }, time.Second, 5*time.Millisecond)

	// grace's own write is not echoed back to her stream.
	_, err = f.service.CreateCard(context.Background(), asMember("grace"), boardID, CardInput{Name: "Mine"})
	require.NoError(t, err)
	ids := f.cards(t, "ada", boardID, "Theirs")

	require.Eventually(t, func() bool { return strings.Contains(rec.body(), ids[0]) }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	body := rec.body()
	assert.Contains(t, body, `event: session`)
	assert.Contains(t, body, `"session":"tab-grace"`)
	assert.Equal(t, 1, strings.Count(body, `"type":"create card"`))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 0, f.hub.Subscribers(boardID))
}

func TestEventStreamRequiresMembership(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")

	path := "/api/boards/" + boardID + "/events?token=" + f.token(t, "mallory", time.Hour)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 0, f.hub.Subscribers(boardID))
}
