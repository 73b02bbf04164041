package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/service"
)

var (
	// ErrNoQuote 表示终端无法提供该品种的报价
	ErrNoQuote = errors.New("tick data unavailable")
	// ErrOrderRejected 表示终端拒绝了下单请求
	ErrOrderRejected = errors.New("order rejected")
)

// Terminal 是交易终端的通用接口。每个交易员独占一个 Terminal 会话，不在交易员之间共享。
type Terminal interface {
	// Tick 获取最新报价，品种不可用时返回错误
	Tick(ctx context.Context, symbol string) (model.Tick, error)

	// Positions 返回当前持仓，symbol 为空时返回全部
	Positions(ctx context.Context, symbol string) ([]model.Position, error)

	// CurrentEquity 获取账户当前净值
	CurrentEquity(ctx context.Context) (float64, error)

	// EquityAsOf 回推 t 时刻的净值：当前净值减去 t 之后的已平仓盈亏和当前浮动盈亏
	EquityAsOf(ctx context.Context, t time.Time) (float64, error)

	// PlaceOrder 提交一笔市价单
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderOutcome, error)

	// Close 释放终端会话
	Close() error
}

// New 根据配置创建交易员的终端会话
func New(ctx context.Context, cfg service.TerminalConfig, logger *zap.Logger) (Terminal, error) {
	switch cfg.Mode {
	case service.TerminalModeBridge:
		return NewBridgeExecutor(ctx, cfg, &http.Client{Timeout: 30 * time.Second}, logger)
	case service.TerminalModePaper:
		sim := NewSimulatorExecutor(&SimulatorConfig{
			InitialBalance: cfg.InitialBalance,
			ContractSize:   cfg.ContractSize,
			Point:          cfg.Point,
		}, logger)
		// 行情来自 bridge，订单在本地模拟
		quotes, err := NewBridgeExecutor(ctx, cfg, &http.Client{Timeout: 30 * time.Second}, logger)
		if err != nil {
			return nil, err
		}
		sim.SetQuoteSource(quotes)
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown terminal mode %q", cfg.Mode)
	}
}

// equityBefore 按已平仓盈亏和浮动盈亏回推 since 时刻的净值
func equityBefore(current float64, deals []model.Deal, positions []model.Position, since time.Time) float64 {
	profit := 0.0
	for _, d := range deals {
		if d.Time.Before(since) {
			continue
		}
		profit += d.Profit + d.Commission
	}
	for _, p := range positions {
		profit += p.Profit
	}
	return current - profit
}

// orderPrices 根据报价和点数距离计算成交价、止损价和止盈价；距离为 0 表示不设置
func orderPrices(tick model.Tick, req model.OrderRequest) (price, sl, tp float64) {
	price = tick.Price(req.Side)
	dir := 1.0
	if req.Side == model.SideSell {
		dir = -1.0
	}
	if req.StopLoss != 0 {
		sl = price - dir*float64(req.StopLoss)*tick.Point
	}
	if req.TakeProfit != 0 {
		tp = price + dir*float64(req.TakeProfit)*tick.Point
	}
	return price, sl, tp
}
