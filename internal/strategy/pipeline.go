package strategy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mt5-signal-bot/internal/executor"
	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/service"
)

// DefaultMaxSignalAge 报价时间与消息时间允许的最大间隔
const DefaultMaxSignalAge = 30 * time.Second

// ErrUnknownDirection 信号方向无法映射到买卖方向
var ErrUnknownDirection = errors.New("unknown order direction")

// Pipeline 按固定顺序执行各道关卡，决定一个信号是否以及如何下单。
// Pipeline 本身无状态，所有行情、持仓、净值数据在每次 Decide 时实时获取。
type Pipeline struct {
	rng          Random
	now          func() time.Time
	logger       *zap.Logger
	maxSignalAge time.Duration
}

type Option func(*Pipeline)

// WithRandom 替换随机源 (测试使用固定种子)
func WithRandom(rng Random) Option {
	return func(p *Pipeline) { p.rng = rng }
}

// WithClock 替换时钟，用于计算当日熔断的起始时刻
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithMaxSignalAge(d time.Duration) Option {
	return func(p *Pipeline) { p.maxSignalAge = d }
}

func NewPipeline(logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		rng:          globalRand{},
		now:          time.Now,
		logger:       logger,
		maxSignalAge: DefaultMaxSignalAge,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SideOf 将趋势方向映射为下单方向
func SideOf(dir model.Direction) (model.Side, error) {
	switch dir {
	case model.DirUp:
		return model.SideBuy, nil
	case model.DirDown:
		return model.SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDirection, dir)
	}
}

// Decide 对单个交易员运行决策流程，遇到第一道拒绝的关卡即停止。
// 关卡拒绝返回 Admitted=false 且 error 为 nil；终端调用失败或下单失败返回 error，
// 此时 Decision.Notice 仍然携带可发送给交易员的提示。
func (p *Pipeline) Decide(ctx context.Context, sig model.Signal, trader *service.TraderConfig, term executor.Terminal) (Decision, error) {
	logger := p.logger.With(zap.String("Trader", trader.ID), zap.String("Signal", sig.String()))

	// 1. 方向
	side, err := SideOf(sig.Direction)
	if err != nil {
		logger.Error("Unknown order type", zap.Error(err))
		return Decision{
			Stage:  StageDirection,
			Notice: fmt.Sprintf("Unknown order_type, check bot terminal: %s", sig.Direction),
		}, err
	}
	d := Decision{Side: side}

	// 2. 报价偏差，买单对比 Ask，卖单对比 Bid
	tick, err := term.Tick(ctx, trader.Ticker)
	if err != nil {
		d.Stage = StagePriceSanity
		d.Notice = fmt.Sprintf("Unable to get tick data for %s, check bot terminal", trader.Ticker)
		return d, fmt.Errorf("get tick: %w", err)
	}
	live := tick.Price(side)
	if priceDiffExceeds(live, sig.Price, trader.AcceptablePriceDiff) {
		d.Stage = StagePriceSanity
		d.Notice = fmt.Sprintf("Tick price [%v] & message price [%v] diff > %v", live, sig.Price, trader.AcceptablePriceDiff)
		logger.Info("Signal rejected", zap.String("Stage", d.Stage.String()), zap.Float64("TickPrice", live))
		return d, nil
	}

	// 3. 同向持仓上限
	positions, err := term.Positions(ctx, trader.Ticker)
	if err != nil {
		d.Stage = StageExposure
		d.Notice = fmt.Sprintf("Unable to get positions for %s, check bot terminal", trader.Ticker)
		return d, fmt.Errorf("get positions: %w", err)
	}
	buys, sells := model.CountBySide(positions)
	open, limit := buys, trader.MaxTotalPositions.Buy
	if side == model.SideSell {
		open, limit = sells, trader.MaxTotalPositions.Sell
	}
	if open >= limit {
		d.Stage = StageExposure
		d.Notice = fmt.Sprintf("Received telegram message but there is/are %d %s order already (Max: %d)",
			open, strings.ToLower(side.String()), limit)
		logger.Info("Signal rejected", zap.String("Stage", d.Stage.String()), zap.Int("Open", open), zap.Int("Max", limit))
		return d, nil
	}

	// 4. 信号时效，正好等于上限时放行
	age := tick.Time.Sub(sig.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > p.maxSignalAge {
		d.Stage = StageStaleness
		d.Notice = fmt.Sprintf("Tick timestamp [%d] & message timestamp [%d] diff > %d",
			tick.Time.Unix(), sig.Timestamp.Unix(), int64(p.maxSignalAge/time.Second))
		logger.Info("Signal rejected", zap.String("Stage", d.Stage.String()), zap.Duration("Age", age))
		return d, nil
	}

	if sig.Class == model.ClassNoise {
		d.Stage = StageNoise
		d.Notice = "Received noise orders: " + sig.Raw
		logger.Info("Noise signal received, no order placed")
		return d, nil
	}

	// 5. 当日亏损熔断
	cutoff := service.DayStart(p.now(), service.FixedZone(trader.DailyMarginCutoffTimezone))
	equity, err := term.CurrentEquity(ctx)
	if err != nil {
		d.Stage = StageDailyMargin
		d.Notice = "Unable to get current equity, check bot terminal"
		return d, fmt.Errorf("get current equity: %w", err)
	}
	prevEquity, err := term.EquityAsOf(ctx, cutoff)
	if err != nil {
		d.Stage = StageDailyMargin
		d.Notice = "Unable to get previous equity, check bot terminal"
		return d, fmt.Errorf("get equity as of %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if prevEquity-equity > trader.DailyMargin {
		d.Stage = StageDailyMargin
		d.Notice = fmt.Sprintf("Reached daily margin:\nPrevious Equity: %v\nCurrent Equity: %v\nMargin: %v",
			prevEquity, equity, trader.DailyMargin)
		logger.Info("Signal rejected", zap.String("Stage", d.Stage.String()),
			zap.Float64("PrevEquity", prevEquity), zap.Float64("Equity", equity))
		return d, nil
	}

	// 6. 概率准入
	admit, err := ProbabilityGate(p.rng, trader.OrderProbability)
	if err != nil {
		d.Stage = StageAdmission
		d.Notice = fmt.Sprintf("Invalid order probability: %v", trader.OrderProbability)
		return d, err
	}
	if !admit {
		d.Stage = StageAdmission
		d.Notice = fmt.Sprintf("Not handling this execution (order probability: %v%%)", trader.OrderProbability)
		logger.Info("Signal skipped by order probability", zap.Float64("Probability", trader.OrderProbability))
		return d, nil
	}

	// 7. 按模板依次下单，失败即停止，已成交订单不回滚
	d.Stage = StagePlacement
	for _, o := range trader.Orders {
		req := model.OrderRequest{
			Symbol:     trader.Ticker,
			Side:       side,
			Lot:        o.Lot,
			StopLoss:   Jitter(p.rng, o.SL, o.NoiseSL),
			TakeProfit: Jitter(p.rng, o.TP, o.NoiseTP),
			Deviation:  o.Deviation,
			Comment:    trader.Comment,
		}
		outcome, err := term.PlaceOrder(ctx, req)
		if err != nil {
			logger.Error("Failed to place order", zap.String("Order", req.String()), zap.Error(err))
			d.Notice = "Unable to place order for this config, please check bot terminal\n" + o.String()
			return d, fmt.Errorf("place order %s: %w", o, err)
		}
		d.Outcomes = append(d.Outcomes, outcome)
	}
	d.Admitted = true
	d.Notice = fmt.Sprintf("%s orders placed: %s", titleSide(side), orderIDs(d.Outcomes))
	logger.Info("Orders placed", zap.Int("Count", len(d.Outcomes)))
	return d, nil
}

// priceDiffExceeds 以十进制比较 |live - quoted| > limit，避免浮点误差影响边界
func priceDiffExceeds(live, quoted, limit float64) bool {
	diff := decimal.NewFromFloat(live).Sub(decimal.NewFromFloat(quoted)).Abs()
	return diff.GreaterThan(decimal.NewFromFloat(limit))
}

func titleSide(side model.Side) string {
	s := strings.ToLower(side.String())
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// orderIDs 格式化为 [1001, 1002]
func orderIDs(outcomes []model.OrderOutcome) string {
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, strconv.FormatUint(o.OrderID, 10))
	}
	return "[" + strings.Join(ids, ", ") + "]"
}
