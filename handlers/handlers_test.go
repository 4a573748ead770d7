package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ctf-scoring/ledger"
	"ctf-scoring/middleware"
	"ctf-scoring/models"
	"ctf-scoring/submission"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSubmitter struct{ mock.Mock }

func (m *mockSubmitter) Submit(ctx context.Context, req submission.Request) submission.Outcome {
	return m.Called(ctx, req).Get(0).(submission.Outcome)
}

type mockBoard struct{ mock.Mock }

func (m *mockBoard) FindUser(ctx context.Context, userID int64) (*models.User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockBoard) Solves(ctx context.Context, f ledger.SolveFilter) ([]models.Solve, error) {
	args := m.Called(ctx, f)
	s, _ := args.Get(0).([]models.Solve)
	return s, args.Error(1)
}

func asUser(r *http.Request, id int64) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), id))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestSubmitFlagOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		outcome   submission.Outcome
		code      int
		status    string
		errorName string
	}{
		{"accepted", submission.Outcome{Kind: submission.Accepted, Award: 550, FirstSolve: true}, 200, "ok", ""},
		{"already", submission.Outcome{Kind: submission.AlreadyCredited}, 200, "ok", ""},
		{"wrong", submission.Outcome{Kind: submission.WrongSecret}, 400, "error", "InvalidFlag"},
		{"unknown", submission.Outcome{Kind: submission.UnknownChallenge}, 404, "error", "NotFound"},
		{"invalid", submission.Outcome{Kind: submission.InvalidRequest}, 400, "error", "BadRequest"},
		{"internal", submission.Outcome{Kind: submission.InternalFailure}, 500, "error", "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{}
			sub.On("Submit", mock.Anything, submission.Request{UserID: 5, ChallengeID: "crypto-500-warmup", Flag: "CTF{x}"}).
				Return(tt.outcome).Once()

			req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(`{"question":"crypto-500-warmup","flag":"CTF{x}"}`))
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
			rec := httptest.NewRecorder()
			SubmitFlag(sub).ServeHTTP(rec, asUser(req, 5))

			assert.Equal(t, tt.code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.status, body["status"])
			if tt.errorName != "" {
				assert.Equal(t, tt.errorName, body["errorName"])
				assert.NotEmpty(t, body["message"])
			}
			sub.AssertExpectations(t)
		})
	}
}

func TestSubmitFlagResponseBodies(t *testing.T) {
	sub := &mockSubmitter{}
	sub.On("Submit", mock.Anything, mock.Anything).Return(submission.Outcome{Kind: submission.Accepted, Award: 550, FirstSolve: true}).Once()
	sub.On("Submit", mock.Anything, mock.Anything).Return(submission.Outcome{Kind: submission.AlreadyCredited}).Once()

	send := func() map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(`{"question":"crypto-500-warmup","flag":"CTF{x}"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		SubmitFlag(sub).ServeHTTP(rec, asUser(req, 1))
		return decode(t, rec)
	}

	first := send()
	assert.EqualValues(t, 550, first["award"])
	assert.Equal(t, true, first["first_solve"])

	again := send()
	assert.Equal(t, "Already submitted.", again["message"])
	assert.NotContains(t, again, "award")
}

func TestSubmitFlagRejectsMalformedRequests(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		user        int64
		code        int
	}{
		{"no content type", "", `{"question":"a-1-b","flag":"x"}`, 1, 400},
		{"form encoded", "application/x-www-form-urlencoded", "question=a-1-b&flag=x", 1, 400},
		{"bad json", "application/json", `{"question":`, 1, 400},
		{"missing flag", "application/json", `{"question":"a-1-b"}`, 1, 400},
		{"missing question", "application/json", `{"flag":"x"}`, 1, 400},
		{"anonymous", "application/json", `{"question":"a-1-b","flag":"x"}`, 0, 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{}
			req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.user != 0 {
				req = asUser(req, tt.user)
			}
			rec := httptest.NewRecorder()
			SubmitFlag(sub).ServeHTTP(rec, req)

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "error", decode(t, rec)["status"])
			sub.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestGetUser(t *testing.T) {
	board := &mockBoard{}
	board.On("FindUser", mock.Anything, int64(1)).Return(&models.User{ID: 1, Username: "alice", Points: 550}, nil)
	board.On("FindUser", mock.Anything, int64(2)).Return(nil, ledger.ErrUserNotFound)
	board.On("FindUser", mock.Anything, int64(3)).Return(nil, errors.New("db down"))
	h := GetUser(board, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/user", nil), 1))
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]interface{})
	assert.Equal(t, "alice", user["username"])
	assert.EqualValues(t, 550, user["points"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/user", nil), 2))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/api/user", nil), 3))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestGetScores(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	board := &mockBoard{}
	board.On("Solves", mock.Anything, ledger.SolveFilter{}).Return(nil, nil).Once()
	board.On("Solves", mock.Anything, ledger.SolveFilter{UserID: 2, ChallengeID: "crypto-500-warmup", Limit: 10}).
		Return([]models.Solve{{ID: "s1", UserID: 2, Username: "bob", ChallengeID: "crypto-500-warmup", Award: 500, SolvedAt: at}}, nil).Once()
	h := GetScores(board, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scores", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decode(t, rec)["scores"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scores?user=2&question=crypto-500-warmup&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	scores := decode(t, rec)["scores"].([]interface{})
	require.Len(t, scores, 1)
	s := scores[0].(map[string]interface{})
	assert.Equal(t, "bob", s["username"])
	assert.Equal(t, "crypto-500-warmup", s["question"])
	assert.EqualValues(t, 500, s["score"])
	assert.Equal(t, "2026-05-01T12:00:00Z", s["submitted"])

	for _, q := range []string{"user=abc", "user=-1", "limit=0", "limit=x"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scores?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	board.AssertExpectations(t)
}

func TestStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	Status().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSolveFeed(t *testing.T) {
	feed := NewSolveFeed(zap.NewNop(), nil)
	srv := httptest.NewServer(feed)
	defer srv.Close()
	defer feed.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return feed.Clients() == 1 }, time.Second, 10*time.Millisecond)

	feed.SolveAccepted(context.Background(), models.Solve{ID: "s1", UserID: 1, Username: "alice", ChallengeID: "crypto-500-warmup", Award: 550, FirstSolve: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Solve
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "crypto-500-warmup", got.ChallengeID)
	assert.EqualValues(t, 550, got.Award)
	assert.True(t, got.FirstSolve)

	conn.Close()
	assert.Eventually(t, func() bool { return feed.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSolveFeedOrigins(t *testing.T) {
	feed := NewSolveFeed(nil, []string{"https://ctf.example"})
	srv := httptest.NewServer(feed)
	defer srv.Close()
	defer feed.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://ctf.example"}})
	require.NoError(t, err)
	conn.Close()
}
