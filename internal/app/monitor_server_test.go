package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
	"shock-trader/internal/safety"
)

func newTestServer(t *testing.T, h *harness) *echo.Echo {
	t.Helper()
	signals, err := feature.NewSignalStore(h.st)
	require.NoError(t, err)
	return newOpsServer(&opsHandler{
		monitor:     h.monitor,
		governor:    h.governor,
		positions:   h.positionMonitor(t),
		learning:    h.weights,
		calibration: h.calibrator,
		setups:      h.setups,
		ledger:      h.book,
		chain:       h.chain,
		signals:     signals,
		validate:    validator.New(),
		logger:      zap.NewNop(),
	}, prometheus.NewRegistry())
}

func serve(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestOpsServer_KillSwitchLifecycle(t *testing.T) {
	h := newHarness(t, "")
	e := newTestServer(t, h)

	rec := serve(e, http.MethodPost, "/killswitch/activate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(e, http.MethodPost, "/killswitch/activate", `{"activated_by":"ops","reason":"券商接口异常"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodGet, "/killswitch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state safety.KillSwitchState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.Active)
	assert.Equal(t, "券商接口异常", state.Reason)

	rec = serve(e, http.MethodPost, "/killswitch/deactivate", `{"activated_by":"ops","reason":"已恢复"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.Active)
}

func TestOpsServer_ValidatesQuery(t *testing.T) {
	h := newHarness(t, "")
	e := newTestServer(t, h)

	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodGet, "/events?type=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodGet, "/decisions?limit=1000", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodGet, "/safety/events?severity=LOW", "").Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/events?type=decision&limit=5", "").Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/safety/events?severity=WARNING", "").Code)
}

func TestOpsServer_ExitTrade(t *testing.T) {
	h := newHarness(t, "")
	trade := h.activeTrade(t, "TCS", h.now.Add(-time.Hour))
	e := newTestServer(t, h)

	assert.Equal(t, http.StatusNotFound, serve(e, http.MethodPost, "/trades/missing/exit", "").Code)

	rec := serve(e, http.MethodPost, "/trades/"+trade.ID+"/exit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var closed ledger.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &closed))
	assert.Equal(t, ledger.ExitManual, closed.ExitReason)
	assert.Equal(t, ledger.StatusClosed, closed.Status)

	assert.Equal(t, http.StatusConflict, serve(e, http.MethodPost, "/trades/"+trade.ID+"/exit", "").Code)

	rec = serve(e, http.MethodGet, "/setups/"+trade.SetupID+"/transitions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "TRADE_ACTIVE")
}

func TestOpsServer_BlackSwanFlattens(t *testing.T) {
	h := newHarness(t, "")
	h.activeTrade(t, "TCS", h.now.Add(-time.Hour))
	e := newTestServer(t, h)

	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPost, "/safety/black-swan", `{}`).Code)

	rec := serve(e, http.MethodPost, "/safety/black-swan", `{"description":"指数单日跌超8%"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Closed []ledger.Trade `json:"closed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Closed, 1)
	assert.Equal(t, ledger.ExitEmergency, body.Closed[0].ExitReason)

	assert.Contains(t, eventTypes(t, h.events), safety.EventMarketBlackSwan)
}

func TestOpsServer_ReadOnlyEndpoints(t *testing.T) {
	h := newHarness(t, "")
	e := newTestServer(t, h)

	for _, target := range []string{"/decisions", "/trades", "/graduation", "/learning/stats", "/calibration/stats", "/metrics"} {
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, target, "").Code, target)
	}
	assert.Equal(t, http.StatusNotFound, serve(e, http.MethodGet, "/setups/unknown/transitions", "").Code)
}

func TestOpsServer_UpsertOptionChain(t *testing.T) {
	h := newHarness(t, "")
	e := newTestServer(t, h)
	ctx := context.Background()

	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPut, "/optionchain", `{"contracts":[]}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPut, "/optionchain",
		`{"contracts":[{"instrument":"INFY25MAR100CE","underlying":"INFY","option_type":"CE","strike":100,"expiry":"2025-03-19T00:00:00Z","last_price":50}]}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPut, "/optionchain",
		`{"contracts":[{"instrument":"INFY25MAR100CE","underlying":"INFY","option_type":"CALL","strike":0,"expiry":"2025-03-19T00:00:00Z","last_price":50}]}`).Code)

	rec := serve(e, http.MethodPut, "/optionchain",
		`{"contracts":[{"instrument":"INFY25MAR100CE","underlying":"infy","option_type":"CALL","strike":100,"expiry":"2025-03-19T00:00:00Z","last_price":42.5,"liquid":true},`+
			`{"instrument":"INFY25MAR100PE","underlying":"INFY","option_type":"PUT","strike":100,"expiry":"2025-03-19T00:00:00Z","last_price":38,"liquid":true}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"upserted":2}`, rec.Body.String())

	price, err := h.chain.LastPrice(ctx, "INFY25MAR100CE")
	require.NoError(t, err)
	assert.InDelta(t, 42.5, price, 1e-9)

	sel, err := h.chain.Select(ctx, "INFY", feature.OptionPut, 100, h.now)
	require.NoError(t, err)
	assert.Equal(t, "INFY25MAR100PE", sel.Instrument)
}

func TestOpsServer_UpsertSignals(t *testing.T) {
	h := newHarness(t, "")
	e := newTestServer(t, h)

	assert.Equal(t, http.StatusNotFound, serve(e, http.MethodGet, "/signals/INFY", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, http.MethodPut, "/signals/INFY", `{"fii_flow":"HOLD"}`).Code)

	rec := serve(e, http.MethodPut, "/signals/infy", `{"oi_alignment":"ALIGNED","fii_flow":"STRONG_BUY","dii_flow":"BUY","news_risk":"LOW"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodGet, "/signals/INFY", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sig feature.StoredSignals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	assert.Equal(t, "INFY", sig.Symbol)
	assert.Equal(t, feature.FIIStrongBuy, sig.FIIFlow)
	assert.Equal(t, feature.OIAligned, sig.OIAlignment)
	assert.Equal(t, feature.NewsLow, sig.NewsRisk)
}
