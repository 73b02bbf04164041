package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/service"
)

const (
	tradeRetcodeDone = 10009 // TRADE_RETCODE_DONE

	positionTypeBuy  = 0 // POSITION_TYPE_BUY / ORDER_TYPE_BUY
	positionTypeSell = 1 // POSITION_TYPE_SELL / ORDER_TYPE_SELL

	sessionHeader = "X-Session-Token"
)

// bridgeTick 适配 bridge 的 /tick 返回结构
type bridgeTick struct {
	Bid   float64 `json:"bid"`
	Ask   float64 `json:"ask"`
	Point float64 `json:"point"`
	Time  int64   `json:"time"` // 服务器时区的秒级时间戳
}

type bridgePosition struct {
	Ticket       uint64  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         int     `json:"type"`
	Time         int64   `json:"time"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
}

type bridgeAccount struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
}

type bridgeDeal struct {
	Ticket     uint64  `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Time       int64   `json:"time"`
}

type bridgeOrderRequest struct {
	Symbol      string  `json:"symbol"`
	Volume      float64 `json:"volume"`
	Type        int     `json:"type"`
	Price       float64 `json:"price"`
	SL          float64 `json:"sl"`
	TP          float64 `json:"tp"`
	Deviation   int     `json:"deviation"`
	Magic       int64   `json:"magic"`
	Comment     string  `json:"comment"`
	TypeTime    string  `json:"type_time"`
	TypeFilling string  `json:"type_filling"`
}

type bridgeOrderResult struct {
	Retcode int     `json:"retcode"`
	Order   uint64  `json:"order"`
	Price   float64 `json:"price"`
	Comment string  `json:"comment"`
}

type bridgeSession struct {
	Token string `json:"token"`
}

// BridgeExecutor 实现了 Terminal 接口，通过 HTTP/JSON 调用 MT5 bridge 服务
type BridgeExecutor struct {
	cfg     service.TerminalConfig
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	token string
	// 服务器时间 + tzShift = UTC
	tzShift time.Duration
	now     func() time.Time
}

// NewBridgeExecutor 登录 bridge 并返回独占的终端会话
func NewBridgeExecutor(ctx context.Context, cfg service.TerminalConfig, client *http.Client, logger *zap.Logger) (*BridgeExecutor, error) {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	e := &BridgeExecutor{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BridgeURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With(zap.String("executor", "Bridge"), zap.Int64("Login", cfg.Login)),
		tzShift: -time.Duration(cfg.TimezoneAdjust) * time.Hour,
		now:     time.Now,
	}

	var sess bridgeSession
	login := map[string]any{
		"login":    cfg.Login,
		"password": cfg.Password,
		"server":   cfg.Server,
		"path":     cfg.Path,
	}
	if err := e.do(ctx, http.MethodPost, "/api/v1/session", nil, login, &sess); err != nil {
		return nil, fmt.Errorf("failed to initialize terminal session: %w", err)
	}
	e.token = sess.Token
	e.logger.Info("Terminal session opened", zap.String("Server", cfg.Server))
	return e, nil
}

func (e *BridgeExecutor) Tick(ctx context.Context, symbol string) (model.Tick, error) {
	var t bridgeTick
	if err := e.do(ctx, http.MethodGet, "/api/v1/symbols/"+url.PathEscape(symbol)+"/tick", nil, nil, &t); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %s: %w", ErrNoQuote, symbol, err)
	}
	return model.Tick{
		Symbol: symbol,
		Bid:    t.Bid,
		Ask:    t.Ask,
		Point:  t.Point,
		Time:   e.fromServerTime(t.Time),
	}, nil
}

func (e *BridgeExecutor) Positions(ctx context.Context, symbol string) ([]model.Position, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var raw []bridgePosition
	if err := e.do(ctx, http.MethodGet, "/api/v1/positions", q, nil, &raw); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		side := model.SideBuy
		switch p.Type {
		case positionTypeBuy:
		case positionTypeSell:
			side = model.SideSell
		default:
			e.logger.Warn("Skipping position with unknown type", zap.Uint64("Ticket", p.Ticket), zap.Int("Type", p.Type))
			continue
		}
		out = append(out, model.Position{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Side:         side,
			Volume:       p.Volume,
			PriceOpen:    p.PriceOpen,
			PriceCurrent: p.PriceCurrent,
			StopLoss:     p.SL,
			TakeProfit:   p.TP,
			Profit:       p.Profit,
			Time:         e.fromServerTime(p.Time),
		})
	}
	return out, nil
}

func (e *BridgeExecutor) CurrentEquity(ctx context.Context) (float64, error) {
	var acc bridgeAccount
	if err := e.do(ctx, http.MethodGet, "/api/v1/account", nil, nil, &acc); err != nil {
		return 0, fmt.Errorf("cannot get current equity: %w", err)
	}
	return acc.Equity, nil
}

func (e *BridgeExecutor) EquityAsOf(ctx context.Context, t time.Time) (float64, error) {
	current, err := e.CurrentEquity(ctx)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("from", strconv.FormatInt(e.toServerTime(t), 10))
	q.Set("to", strconv.FormatInt(e.toServerTime(e.now()), 10))
	var raw []bridgeDeal
	if err := e.do(ctx, http.MethodGet, "/api/v1/deals", q, nil, &raw); err != nil {
		return 0, fmt.Errorf("get deal history: %w", err)
	}
	deals := make([]model.Deal, 0, len(raw))
	for _, d := range raw {
		deals = append(deals, model.Deal{
			Ticket:     d.Ticket,
			Symbol:     d.Symbol,
			Profit:     d.Profit,
			Commission: d.Commission,
			Time:       e.fromServerTime(d.Time),
		})
	}

	positions, err := e.Positions(ctx, "")
	if err != nil {
		return 0, err
	}
	return equityBefore(current, deals, positions, t), nil
}

// PlaceOrder 以最新报价计算止损/止盈价格后提交市价单
func (e *BridgeExecutor) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderOutcome, error) {
	orderType := positionTypeBuy
	switch req.Side {
	case model.SideBuy:
	case model.SideSell:
		orderType = positionTypeSell
	default:
		return model.OrderOutcome{}, fmt.Errorf("%w: unsupported side %q", ErrOrderRejected, req.Side)
	}

	tick, err := e.Tick(ctx, req.Symbol)
	if err != nil {
		return model.OrderOutcome{}, err
	}
	price, sl, tp := orderPrices(tick, req)

	body := bridgeOrderRequest{
		Symbol:      req.Symbol,
		Volume:      req.Lot,
		Type:        orderType,
		Price:       price,
		SL:          sl,
		TP:          tp,
		Deviation:   req.Deviation,
		Magic:       e.cfg.Magic,
		Comment:     req.Comment,
		TypeTime:    "gtc",
		TypeFilling: "ioc",
	}
	var res bridgeOrderResult
	if err := e.do(ctx, http.MethodPost, "/api/v1/orders", nil, body, &res); err != nil {
		return model.OrderOutcome{}, fmt.Errorf("send order: %w", err)
	}
	if res.Retcode != tradeRetcodeDone {
		return model.OrderOutcome{}, fmt.Errorf("%w: failed to add position: %s (retcode %d)", ErrOrderRejected, res.Comment, res.Retcode)
	}

	if res.Price != 0 {
		price = res.Price
	}
	e.logger.Info("Order placed",
		zap.Uint64("OrderID", res.Order),
		zap.String("Order", req.String()),
		zap.Float64("Price", price))
	return model.OrderOutcome{OrderID: res.Order, Request: req, Price: price}, nil
}

// Close 注销终端会话
func (e *BridgeExecutor) Close() error {
	if e.token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.do(ctx, http.MethodDelete, "/api/v1/session", nil, nil, nil)
	e.token = ""
	if err != nil {
		return fmt.Errorf("close terminal session: %w", err)
	}
	e.logger.Info("Terminal session closed")
	return nil
}

func (e *BridgeExecutor) fromServerTime(sec int64) time.Time {
	return time.Unix(sec, 0).Add(e.tzShift)
}

func (e *BridgeExecutor) toServerTime(t time.Time) int64 {
	return t.Add(-e.tzShift).Unix()
}

// do 发送一次 bridge 请求，out 为 nil 时忽略响应体
func (e *BridgeExecutor) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := e.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set(sessionHeader, e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("bridge %s %s returned %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
