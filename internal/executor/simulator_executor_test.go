package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mt5-signal-bot/internal/model"
)

func newSim() *SimulatorExecutor {
	return NewSimulatorExecutor(&SimulatorConfig{InitialBalance: 10000, ContractSize: 100, Point: 0.01}, zap.NewNop())
}

func TestSimulatorNoQuote(t *testing.T) {
	sim := newSim()
	_, err := sim.Tick(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, ErrNoQuote)

	_, err = sim.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "XAUUSD", Side: model.SideBuy, Lot: 0.01})
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestSimulatorPlaceOrderAndPnL(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	t0 := time.Unix(1737338986, 0)
	sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: 2650.0, Ask: 2650.5, Time: t0})

	out, err := sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "XAUUSD", Side: model.SideBuy, Lot: 0.1, StopLoss: 500, TakeProfit: 1000})
	require.NoError(t, err)
	assert.Equal(t, 2650.5, out.Price)
	assert.NotZero(t, out.OrderID)

	positions, err := sim.Positions(ctx, "XAUUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.SideBuy, positions[0].Side)
	assert.InDelta(t, 2645.5, positions[0].StopLoss, 1e-9)
	assert.InDelta(t, 2660.5, positions[0].TakeProfit, 1e-9)

	// 价格上涨 2 美元：0.1 手 * 100 盎司 * 2 = 20
	sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: 2652.5, Ask: 2653.0, Time: t0.Add(time.Minute)})
	eq, err := sim.CurrentEquity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10020, eq, 1e-6)

	other, err := sim.Positions(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSimulatorStopLossAndEquityAsOf(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	t0 := time.Unix(1737338986, 0)
	sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: 2650.0, Ask: 2650.5, Time: t0})

	_, err := sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "XAUUSD", Side: model.SideSell, Lot: 0.1, StopLoss: 300, TakeProfit: 600})
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, model.OrderRequest{Symbol: "XAUUSD", Side: model.SideSell, Lot: 0.1})
	require.NoError(t, err)

	// 空单止损价 2653.0，Ask 到 2653.0 触发
	sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: 2652.5, Ask: 2653.0, Time: t0.Add(time.Hour)})

	positions, err := sim.Positions(ctx, "")
	require.NoError(t, err)
	require.Len(t, positions, 1, "only the position without stop loss stays open")

	deals := sim.Deals()
	require.Len(t, deals, 1)
	assert.InDelta(t, -30, deals[0].Profit, 1e-6)

	eq, err := sim.CurrentEquity(ctx)
	require.NoError(t, err)
	// 余额 9970，剩余空单浮亏 -30
	assert.InDelta(t, 9940, eq, 1e-6)

	before, err := sim.EquityAsOf(ctx, t0)
	require.NoError(t, err)
	assert.InDelta(t, 10000, before, 1e-6)

	// 截止时间在平仓之后，只扣除浮动盈亏
	after, err := sim.EquityAsOf(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 9970, after, 1e-6)
}

func TestSimulatorRejectsBadOrder(t *testing.T) {
	sim := newSim()
	sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: 1, Ask: 1})
	_, err := sim.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "XAUUSD", Side: model.SideBuy})
	assert.ErrorIs(t, err, ErrOrderRejected)
	_, err = sim.PlaceOrder(context.Background(), model.OrderRequest{Symbol: "XAUUSD", Side: "HOLD", Lot: 1})
	assert.ErrorIs(t, err, ErrOrderRejected)
}

type staticQuotes struct {
	tick model.Tick
	err  error
}

func (q staticQuotes) Tick(ctx context.Context, symbol string) (model.Tick, error) {
	return q.tick, q.err
}

func TestSimulatorQuoteSource(t *testing.T) {
	sim := newSim()
	sim.SetQuoteSource(staticQuotes{tick: model.Tick{Bid: 2650.3, Ask: 2650.6, Point: 0.01, Time: time.Unix(100, 0)}})

	tick, err := sim.Tick(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", tick.Symbol)
	assert.Equal(t, 2650.3, tick.Bid)

	sim.SetQuoteSource(staticQuotes{err: errors.New("offline")})
	_, err = sim.Tick(context.Background(), "XAUUSD")
	assert.Error(t, err)
	assert.NoError(t, sim.Close())
}

func TestEquityBefore(t *testing.T) {
	since := time.Unix(1000, 0)
	deals := []model.Deal{
		{Profit: 50, Commission: -2, Time: time.Unix(999, 0)},
		{Profit: -100, Commission: -3, Time: time.Unix(1000, 0)},
		{Profit: 40, Time: time.Unix(2000, 0)},
	}
	positions := []model.Position{{Profit: -10}, {Profit: 5}}
	// profit since = -103 + 40 - 10 + 5 = -68
	assert.InDelta(t, 1068, equityBefore(1000, deals, positions, since), 1e-9)
}
