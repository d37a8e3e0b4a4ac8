package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/trustmatch/internal/auth"
	"github.com/jason-s-yu/trustmatch/internal/matchmaking"
	"github.com/jason-s-yu/trustmatch/internal/middleware"
	"github.com/jason-s-yu/trustmatch/internal/models"
	"github.com/jason-s-yu/trustmatch/internal/pool"
	"github.com/jason-s-yu/trustmatch/internal/trust"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	qs      *QueueServer
	handler http.Handler
	store   *trust.MemoryStore
}

func newTestServer(t *testing.T, limiter *middleware.PlayerRateLimiter) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := trust.NewMemoryStore()
	engine := trust.NewEngine(trust.DefaultParams(), store, nil, logger)
	cache, err := pool.NewCache(pool.NewMemoryRegistry(), pool.Options{}, logger)
	require.NoError(t, err)
	broker := matchmaking.NewBroker(8)
	mgr, err := matchmaking.NewManager(matchmaking.Options{
		InitialTimeout: time.Hour,
		MaxTimeout:     time.Hour,
		DefaultMaxWait: 2 * time.Hour,
	}, cache, engine, matchmaking.Sinks{broker}, logger)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	authority, err := auth.New(time.Hour)
	require.NoError(t, err)

	qs := &QueueServer{
		Manager: mgr,
		Engine:  engine,
		Pool:    cache,
		Broker:  broker,
		Auth:    authority,
		Logger:  logger,
	}
	if limiter == nil {
		limiter = middleware.NewPlayerRateLimiter(1000, 1000, logger)
	}
	return &testServer{qs: qs, handler: qs.Routes(limiter), store: store}
}

// player registers a record at score and returns a token for it.
func (ts *testServer) player(t *testing.T, score float64) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	require.NoError(t, ts.store.WriteBehaviorRecord(context.Background(), models.BehaviorRecord{PlayerID: id, TrustScore: score}))
	tok, err := ts.qs.Auth.CreateJWT(id)
	require.NoError(t, err)
	return id, tok
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Cookie", "auth_token="+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestRegisterIssuesGuestToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(http.MethodPost, "/player/register", "", `{"skill_level":4}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var rec models.BehaviorRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, trust.DefaultBaseScore, rec.TrustScore)
	assert.Equal(t, 4, rec.SkillLevel)

	var token string
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.AuthCookie {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	rr = ts.do(http.MethodPost, "/player/register", token, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodGet, "/player/score", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.BehaviorRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, rec.PlayerID, got.PlayerID)
}

func TestQueueLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	id, tok := ts.player(t, 50)

	rr := ts.do(http.MethodPost, "/queue/enqueue", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(http.MethodPost, "/queue/enqueue", tok, `{"game_mode":"ranked","max_wait_seconds":60}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var st struct {
		PlayerID uuid.UUID `json:"player_id"`
		State    string    `json:"state"`
		GameMode string    `json:"game_mode"`
		Attempts int       `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, id, st.PlayerID)
	assert.Equal(t, "searching", st.State)
	assert.Equal(t, "ranked", st.GameMode)
	assert.Equal(t, 1, st.Attempts)

	rr = ts.do(http.MethodPost, "/queue/enqueue", tok, `{}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(http.MethodGet, "/queue/status", tok, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodPost, "/queue/cancel", tok, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rr.Body.String())

	rr = ts.do(http.MethodPost, "/queue/cancel", tok, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cancelled":false}`, rr.Body.String())

	rr = ts.do(http.MethodGet, "/queue/status", tok, "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "cancelled", st.State)

	rr = ts.do(http.MethodGet, "/pool/stats", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"searching":0`)
}

func TestEnqueueErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	_, tok := ts.player(t, 50)

	rr := ts.do(http.MethodPost, "/queue/enqueue", tok, `{"max_wait_seconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(http.MethodPost, "/queue/enqueue", tok, `{"unknown_field":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	stranger, err := ts.qs.Auth.CreateJWT(uuid.New())
	require.NoError(t, err)
	rr = ts.do(http.MethodPost, "/queue/enqueue", stranger, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(http.MethodGet, "/queue/status", stranger, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(http.MethodGet, "/player/score", stranger, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEnqueueRateLimited(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	ts := newTestServer(t, middleware.NewPlayerRateLimiter(0.001, 1, logger))
	_, tok := ts.player(t, 50)

	rr := ts.do(http.MethodPost, "/queue/enqueue", tok, `{}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	ts.do(http.MethodPost, "/queue/cancel", tok, "")

	rr = ts.do(http.MethodPost, "/queue/enqueue", tok, `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestQueueWSStreamsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, nil)
	id, tok := ts.player(t, 50)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	rr := ts.do(http.MethodPost, "/queue/enqueue", tok, `{}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queue/ws"
	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"queue"},
		HTTPHeader:   http.Header{"Cookie": []string{"auth_token=" + tok}},
	})
	require.NoError(t, err)
	defer c.CloseNow()

	var first struct {
		Type   string `json:"type"`
		Status struct {
			State string `json:"state"`
		} `json:"status"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &first))
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, "searching", first.Status.State)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "cancel"}))

	var ev matchmaking.Event
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, matchmaking.EventCancelled, ev.Type)
	assert.Equal(t, id, ev.PlayerID)

	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
