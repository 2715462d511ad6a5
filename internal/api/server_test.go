package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"telegram-grid-bot-go/internal/bot"
	"telegram-grid-bot-go/internal/crypto"
	"telegram-grid-bot-go/internal/exchange"
	"telegram-grid-bot-go/internal/models"
	"telegram-grid-bot-go/internal/persistence"
	"telegram-grid-bot-go/internal/reporter"
	"telegram-grid-bot-go/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSessions struct {
	sessions map[int64]models.GridSession
	startErr error
}

func (f *fakeSessions) StartSession(userID int64, symbol string, params models.BotParameters, gw exchange.Gateway) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if _, ok := f.sessions[userID]; ok {
		return "", bot.ErrAlreadyRunning
	}
	s := models.NewGridSession("sess-"+symbol, userID, symbol)
	s.Running = true
	f.sessions[userID] = s.Snapshot()
	return s.SessionID, nil
}

func (f *fakeSessions) StopSession(userID int64) bool {
	_, ok := f.sessions[userID]
	delete(f.sessions, userID)
	return ok
}

func (f *fakeSessions) Snapshot(userID int64) (models.GridSession, bool) {
	s, ok := f.sessions[userID]
	return s, ok
}

func (f *fakeSessions) Sessions() []models.GridSession {
	out := make([]models.GridSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type fakeGateways struct {
	err error
}

func (f *fakeGateways) ForUser(user *models.UserRecord) (exchange.Gateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	return exchange.NewPaperExchange(), nil
}

type apiFixture struct {
	server   *Server
	sessions *fakeSessions
	gateways *fakeGateways
	users    persistence.UserRepository
	ledger   *storage.Ledger
}

func newAPIFixture(t *testing.T, token string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enc, err := crypto.NewEncryptor("api-test-secret")
	require.NoError(t, err)
	users, err := persistence.NewBadgerRepository(persistence.Options{InMemory: true, Encryptor: enc, DefaultSymbol: "KAS/USDT"})
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })
	ledger, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	f := &apiFixture{
		sessions: &fakeSessions{sessions: make(map[int64]models.GridSession)},
		gateways: &fakeGateways{},
		users:    users,
		ledger:   ledger,
	}
	f.server = NewServer(f.sessions, users, f.gateways, reporter.NewReporter(ledger), token, zap.NewNop())
	return f
}

func (f *apiFixture) do(method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, "secret")
	w := f.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestTokenRequired(t *testing.T) {
	f := newAPIFixture(t, "secret")
	w := f.do(http.MethodGet, "/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/sessions", nil, http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(http.MethodPost, "/sessions/7/start", map[string]string{"symbol": "btc/usdt"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "BTC/USDT", decode(t, w)["symbol"])

	user, err := f.users.Get(7)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", user.Symbol)

	w = f.do(http.MethodPost, "/sessions/7/start", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, "/sessions/7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BTC/USDT", decode(t, w)["symbol"])

	w = f.do(http.MethodGet, "/sessions", nil, nil)
	assert.Len(t, decode(t, w)["sessions"], 1)

	w = f.do(http.MethodPost, "/sessions/7/stop", nil, nil)
	assert.Equal(t, true, decode(t, w)["was_active"])
	w = f.do(http.MethodPost, "/sessions/7/stop", nil, nil)
	assert.Equal(t, false, decode(t, w)["was_active"])

	w = f.do(http.MethodGet, "/sessions/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartErrors(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(http.MethodPost, "/sessions/abc/start", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/sessions/7/start", map[string]string{"symbol": "BTCUSDT"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.gateways.err = persistence.ErrNoCredentials
	w = f.do(http.MethodPost, "/sessions/7/start", nil, nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	f.gateways.err = nil
	f.sessions.startErr = bot.ErrStillStopping
	w = f.do(http.MethodPost, "/sessions/7/start", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProfit(t *testing.T) {
	f := newAPIFixture(t, "")
	require.NoError(t, f.ledger.Append(context.Background(), &models.TradeRecord{
		UserID: 7, TradeType: models.TradeSell, Symbol: "KAS/USDT", Amount: 1, Price: 1, Profit: 0.5, Timestamp: time.Now(),
	}))

	w := f.do(http.MethodGet, "/users/7/profit?days=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.5, decode(t, w)["profit"], 1e-9)

	w = f.do(http.MethodGet, "/users/7/profit", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	windows := decode(t, w)["windows"].([]interface{})
	require.Len(t, windows, 4)
	assert.Equal(t, "全部", windows[3].(map[string]interface{})["label"])

	w = f.do(http.MethodGet, "/users/7/profit?days=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
