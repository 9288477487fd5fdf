package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shock-trader/internal/calibration"
	"shock-trader/internal/feature"
	"shock-trader/internal/ledger"
	"shock-trader/internal/learning"
	"shock-trader/internal/monitor"
	"shock-trader/internal/optionchain"
	"shock-trader/internal/safety"
	"shock-trader/internal/setup"
)

type learningStats interface {
	Stats(ctx context.Context) (learning.Stats, error)
}

type calibrationStats interface {
	Stats(ctx context.Context) (calibration.Stats, error)
}

type transitionLog interface {
	Transitions(ctx context.Context, setupID string) ([]setup.Transition, error)
}

type decisionLog interface {
	Decisions(ctx context.Context, limit int) ([]ledger.Decision, error)
	Trades(ctx context.Context, limit int) ([]ledger.Trade, error)
}

type contractSink interface {
	Upsert(ctx context.Context, c optionchain.Contract) error
}

type signalSink interface {
	Upsert(ctx context.Context, sig feature.StoredSignals) error
	Latest(ctx context.Context, symbol string) (feature.StoredSignals, bool, error)
}

// opsHandler 提供运维接口。
type opsHandler struct {
	monitor     *monitor.Service
	governor    *safety.Governor
	positions   *PositionMonitor
	learning    learningStats
	calibration calibrationStats
	setups      transitionLog
	ledger      decisionLog
	chain       contractSink
	signals     signalSink
	validate    *validator.Validate
	logger      *zap.Logger
}

type listEventsRequest struct {
	Type  string `query:"type" validate:"omitempty,oneof=scan transition decision safety execution exit error"`
	Limit int    `query:"limit" validate:"omitempty,min=1,max=1000"`
}

type listSafetyEventsRequest struct {
	Severity string `query:"severity" validate:"omitempty,oneof=INFO WARNING CRITICAL"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=1000"`
}

type listRequest struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=500"`
}

type killSwitchRequest struct {
	By     string `json:"activated_by" validate:"required,max=64"`
	Reason string `json:"reason" validate:"required,max=512"`
}

type blackSwanRequest struct {
	Description string `json:"description" validate:"required,max=512"`
}

type contractRequest struct {
	Instrument string    `json:"instrument" validate:"required,max=64"`
	Underlying string    `json:"underlying" validate:"required,max=32"`
	OptionType string    `json:"option_type" validate:"required,oneof=CALL PUT"`
	Strike     float64   `json:"strike" validate:"gt=0"`
	Expiry     time.Time `json:"expiry" validate:"required"`
	LastPrice  float64   `json:"last_price" validate:"gte=0"`
	Liquid     bool      `json:"liquid"`
}

type optionChainRequest struct {
	Contracts []contractRequest `json:"contracts" validate:"required,min=1,max=2000,dive"`
}

type signalsRequest struct {
	Symbol      string `param:"symbol" validate:"required,max=32"`
	OIAlignment string `json:"oi_alignment" validate:"omitempty,oneof=ALIGNED DIVERGENT"`
	FIIFlow     string `json:"fii_flow" validate:"omitempty,oneof=STRONG_BUY BUY NEUTRAL SELL STRONG_SELL"`
	DIIFlow     string `json:"dii_flow" validate:"omitempty,oneof=BUY NEUTRAL SELL"`
	NewsRisk    string `json:"news_risk" validate:"omitempty,oneof=LOW HIGH"`
}

type fieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func newOpsServer(h *opsHandler, registry *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return e
}

// RegisterRoutes 注册全部运维路由。
func (h *opsHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/events", h.listEvents)
	e.GET("/decisions", h.listDecisions)
	e.GET("/trades", h.listTrades)
	e.POST("/trades/:id/exit", h.exitTrade)
	e.GET("/setups/:id/transitions", h.transitions)

	e.PUT("/optionchain", h.upsertOptionChain)
	e.GET("/signals/:symbol", h.latestSignals)
	e.PUT("/signals/:symbol", h.upsertSignals)

	e.GET("/safety/events", h.listSafetyEvents)
	e.POST("/safety/black-swan", h.blackSwan)
	e.GET("/killswitch", h.killSwitch)
	e.POST("/killswitch/activate", h.activateKillSwitch)
	e.POST("/killswitch/deactivate", h.deactivateKillSwitch)
	e.GET("/graduation", h.graduation)

	e.GET("/learning/stats", h.learningStats)
	e.GET("/calibration/stats", h.calibrationStats)
}

func (h *opsHandler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "请求格式错误")
	}
	if err := h.validate.StructCtx(c.Request().Context(), req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make([]fieldError, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, fieldError{
					Field:   fe.Field(),
					Rule:    fe.Tag(),
					Message: fmt.Sprintf("%s 不满足 %s %s", fe.Field(), fe.Tag(), fe.Param()),
				})
			}
			return echo.NewHTTPError(http.StatusBadRequest, out)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *opsHandler) internalError(op string, err error) error {
	h.logger.Error("运维接口处理失败", zap.String("op", op), zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *opsHandler) listEvents(c echo.Context) error {
	req := &listEventsRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	if req.Limit == 0 {
		req.Limit = 200
	}
	events, err := h.monitor.ListEvents(c.Request().Context(), monitor.EventType(strings.ToLower(req.Type)), req.Limit)
	if err != nil {
		return h.internalError("list_events", err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *opsHandler) listDecisions(c echo.Context) error {
	req := &listRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	decisions, err := h.ledger.Decisions(c.Request().Context(), req.Limit)
	if err != nil {
		return h.internalError("list_decisions", err)
	}
	return c.JSON(http.StatusOK, decisions)
}

func (h *opsHandler) listTrades(c echo.Context) error {
	req := &listRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	trades, err := h.ledger.Trades(c.Request().Context(), req.Limit)
	if err != nil {
		return h.internalError("list_trades", err)
	}
	return c.JSON(http.StatusOK, trades)
}

func (h *opsHandler) exitTrade(c echo.Context) error {
	trade, err := h.positions.ExitTrade(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrTradeClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil && trade.ID == "":
		return h.internalError("exit_trade", err)
	case err != nil:
		h.logger.Warn("手动平仓后续处理失败", zap.String("trade_id", trade.ID), zap.Error(err))
	}
	return c.JSON(http.StatusOK, trade)
}

func (h *opsHandler) transitions(c echo.Context) error {
	items, err := h.setups.Transitions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.internalError("transitions", err)
	}
	if len(items) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "设置不存在或没有迁移记录")
	}
	return c.JSON(http.StatusOK, items)
}

func (h *opsHandler) upsertOptionChain(c echo.Context) error {
	req := &optionChainRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	now := time.Now()
	for _, item := range req.Contracts {
		if err := h.chain.Upsert(ctx, optionchain.Contract{
			Instrument: strings.TrimSpace(item.Instrument),
			Underlying: strings.ToUpper(strings.TrimSpace(item.Underlying)),
			OptionType: feature.OptionType(item.OptionType),
			Strike:     item.Strike,
			Expiry:     item.Expiry,
			LastPrice:  item.LastPrice,
			Liquid:     item.Liquid,
			UpdatedAt:  now,
		}); err != nil {
			return h.internalError("upsert_option_chain", err)
		}
	}
	h.logger.Info("期权链已更新", zap.Int("contracts", len(req.Contracts)))
	return c.JSON(http.StatusOK, map[string]int{"upserted": len(req.Contracts)})
}

func (h *opsHandler) latestSignals(c echo.Context) error {
	sig, ok, err := h.signals.Latest(c.Request().Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		return h.internalError("latest_signals", err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "该标的没有录入信号")
	}
	return c.JSON(http.StatusOK, sig)
}

func (h *opsHandler) upsertSignals(c echo.Context) error {
	req := &signalsRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	sig := feature.StoredSignals{
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		OIAlignment: feature.OIAlignment(req.OIAlignment),
		FIIFlow:     feature.FIIFlow(req.FIIFlow),
		DIIFlow:     feature.DIIFlow(req.DIIFlow),
		NewsRisk:    feature.NewsRisk(req.NewsRisk),
		UpdatedAt:   time.Now(),
	}
	if err := h.signals.Upsert(c.Request().Context(), sig); err != nil {
		return h.internalError("upsert_signals", err)
	}
	return c.JSON(http.StatusOK, sig)
}

func (h *opsHandler) listSafetyEvents(c echo.Context) error {
	req := &listSafetyEventsRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	events, err := h.governor.Events().List(c.Request().Context(), safety.Severity(req.Severity), req.Limit)
	if err != nil {
		return h.internalError("list_safety_events", err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *opsHandler) blackSwan(c echo.Context) error {
	req := &blackSwanRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.governor.HandleMarketBlackSwan(ctx, req.Description); err != nil {
		return h.internalError("black_swan", err)
	}
	closed, err := h.positions.FlattenAll(ctx, ledger.ExitEmergency)
	if err != nil {
		h.logger.Error("极端行情平仓未全部完成", zap.Error(err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"closed": closed,
	})
}

func (h *opsHandler) killSwitch(c echo.Context) error {
	state, err := h.governor.KillSwitch().Current(c.Request().Context())
	if err != nil {
		return h.internalError("kill_switch", err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *opsHandler) activateKillSwitch(c echo.Context) error {
	req := &killSwitchRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	state, err := h.governor.ActivateKillSwitch(c.Request().Context(), req.By, req.Reason)
	if err != nil {
		return h.internalError("activate_kill_switch", err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *opsHandler) deactivateKillSwitch(c echo.Context) error {
	req := &killSwitchRequest{}
	if err := h.bind(c, req); err != nil {
		return err
	}
	state, err := h.governor.DeactivateKillSwitch(c.Request().Context(), req.By, req.Reason)
	if err != nil {
		return h.internalError("deactivate_kill_switch", err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *opsHandler) graduation(c echo.Context) error {
	report, err := h.governor.CheckGraduation(c.Request().Context())
	if err != nil {
		return h.internalError("graduation", err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *opsHandler) learningStats(c echo.Context) error {
	stats, err := h.learning.Stats(c.Request().Context())
	if err != nil {
		return h.internalError("learning_stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *opsHandler) calibrationStats(c echo.Context) error {
	stats, err := h.calibration.Stats(c.Request().Context())
	if err != nil {
		return h.internalError("calibration_stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// startOpsServer 启动运维接口，ctx 结束时优雅关闭。
func startOpsServer(ctx context.Context, e *echo.Echo, port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	logger.Info("运维接口已启动", zap.String("addr", addr))
}
