package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mt5-signal-bot/internal/model"
)

// SimulatorConfig 模拟器配置
type SimulatorConfig struct {
	InitialBalance float64 // 初始资金
	ContractSize   float64 // 每手合约数量 (XAUUSD 为 100)
	Point          float64 // 报价未带 point 时使用
}

// QuoteSource 为模拟器提供实时报价
type QuoteSource interface {
	Tick(ctx context.Context, symbol string) (model.Tick, error)
}

// SimulatorExecutor 实现了 Terminal 接口：本地模拟账户，报价来自 QuoteSource 或 UpdateQuote
type SimulatorExecutor struct {
	cfg    *SimulatorConfig
	logger *zap.Logger

	mu sync.RWMutex // 保护账户状态

	quotes     QuoteSource
	lastTick   map[string]model.Tick
	balance    float64 // 账户余额 (包含已实现盈亏)
	positions  []*model.Position
	deals      []model.Deal // 已平仓记录
	nextTicket uint64
}

// NewSimulatorExecutor 构造函数
func NewSimulatorExecutor(cfg *SimulatorConfig, logger *zap.Logger) *SimulatorExecutor {
	if cfg.ContractSize <= 0 {
		cfg.ContractSize = 1
	}
	return &SimulatorExecutor{
		cfg:        cfg,
		logger:     logger.With(zap.String("executor", "Simulator")),
		lastTick:   make(map[string]model.Tick),
		balance:    cfg.InitialBalance,
		nextTicket: 1000,
	}
}

// SetQuoteSource 设置行情来源，设置后 Tick 会实时拉取报价
func (e *SimulatorExecutor) SetQuoteSource(q QuoteSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes = q
}

// UpdateQuote 更新报价，重新计算浮动盈亏并检查止损/止盈
func (e *SimulatorExecutor) UpdateQuote(tick model.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tick.Point == 0 {
		tick.Point = e.cfg.Point
	}
	e.lastTick[tick.Symbol] = tick

	open := e.positions[:0]
	for _, pos := range e.positions {
		if pos.Symbol != tick.Symbol {
			open = append(open, pos)
			continue
		}
		// 多单按 Bid 平仓，空单按 Ask 平仓
		closePrice := tick.Bid
		if pos.Side == model.SideSell {
			closePrice = tick.Ask
		}
		pos.PriceCurrent = closePrice
		pos.Profit = e.calculatePnL(pos, closePrice)

		trigger := ""
		if e.checkStopLoss(pos, closePrice) {
			trigger = "SL"
		} else if e.checkTakeProfit(pos, closePrice) {
			trigger = "TP"
		}
		if trigger == "" {
			open = append(open, pos)
			continue
		}

		e.balance += pos.Profit
		e.deals = append(e.deals, model.Deal{
			Ticket: pos.Ticket,
			Symbol: pos.Symbol,
			Profit: pos.Profit,
			Time:   tick.Time,
		})
		e.logger.Info("Sim CLOSE TRIGGERED",
			zap.String("Trigger", trigger),
			zap.Uint64("Ticket", pos.Ticket),
			zap.String("Side", pos.Side.String()),
			zap.Float64("Price", closePrice),
			zap.Float64("PnL", pos.Profit),
			zap.Float64("Balance", e.balance))
	}
	e.positions = open
}

func (e *SimulatorExecutor) Tick(ctx context.Context, symbol string) (model.Tick, error) {
	e.mu.RLock()
	quotes := e.quotes
	e.mu.RUnlock()

	if quotes != nil {
		tick, err := quotes.Tick(ctx, symbol)
		if err != nil {
			return model.Tick{}, err
		}
		tick.Symbol = symbol
		e.UpdateQuote(tick)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	tick, ok := e.lastTick[symbol]
	if !ok {
		return model.Tick{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return tick, nil
}

func (e *SimulatorExecutor) Positions(ctx context.Context, symbol string) ([]model.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

// CurrentEquity 净值 = 余额 + 浮动盈亏
func (e *SimulatorExecutor) CurrentEquity(ctx context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity(), nil
}

func (e *SimulatorExecutor) EquityAsOf(ctx context.Context, t time.Time) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	positions := make([]model.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		positions = append(positions, *pos)
	}
	return equityBefore(e.equity(), e.deals, positions, t), nil
}

// PlaceOrder 以最新报价模拟成交
func (e *SimulatorExecutor) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderOutcome, error) {
	if req.Lot <= 0 {
		return model.OrderOutcome{}, fmt.Errorf("%w: invalid volume %v", ErrOrderRejected, req.Lot)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return model.OrderOutcome{}, fmt.Errorf("%w: unsupported side %q", ErrOrderRejected, req.Side)
	}
	tick, err := e.Tick(ctx, req.Symbol)
	if err != nil {
		return model.OrderOutcome{}, err
	}
	price, sl, tp := orderPrices(tick, req)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextTicket++
	pos := &model.Position{
		Ticket:       e.nextTicket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Lot,
		PriceOpen:    price,
		PriceCurrent: price,
		StopLoss:     sl,
		TakeProfit:   tp,
		Time:         tick.Time,
	}
	e.positions = append(e.positions, pos)

	e.logger.Info("Sim ORDER FILLED",
		zap.Uint64("Ticket", pos.Ticket),
		zap.String("Order", req.String()),
		zap.Float64("Price", price),
		zap.Float64("SL", sl),
		zap.Float64("TP", tp))

	return model.OrderOutcome{OrderID: pos.Ticket, Request: req, Price: price}, nil
}

// Close 释放行情来源 (如有)
func (e *SimulatorExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.quotes.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Deals 返回已平仓记录的副本
func (e *SimulatorExecutor) Deals() []model.Deal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Deal, len(e.deals))
	copy(out, e.deals)
	return out
}

func (e *SimulatorExecutor) equity() float64 {
	eq := e.balance
	for _, pos := range e.positions {
		eq += pos.Profit
	}
	return eq
}

// calculatePnL 计算持仓在 price 下的盈亏
func (e *SimulatorExecutor) calculatePnL(pos *model.Position, price float64) float64 {
	if pos.Side == model.SideBuy {
		return (price - pos.PriceOpen) * pos.Volume * e.cfg.ContractSize
	}
	return (pos.PriceOpen - price) * pos.Volume * e.cfg.ContractSize
}

// checkStopLoss 检查是否触发止损
func (e *SimulatorExecutor) checkStopLoss(pos *model.Position, price float64) bool {
	if pos.StopLoss == 0 {
		return false
	}
	if pos.Side == model.SideBuy {
		// 多头止损：价格下跌到止损价
		return price <= pos.StopLoss
	}
	return price >= pos.StopLoss
}

// checkTakeProfit 检查是否触发止盈
func (e *SimulatorExecutor) checkTakeProfit(pos *model.Position, price float64) bool {
	if pos.TakeProfit == 0 {
		return false
	}
	if pos.Side == model.SideBuy {
		return price >= pos.TakeProfit
	}
	return price <= pos.TakeProfit
}
