package dispatcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mt5-signal-bot/internal/api"
	"mt5-signal-bot/internal/executor"
	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/parser"
	"mt5-signal-bot/internal/service"
	"mt5-signal-bot/internal/strategy"
)

var msgTime = time.Unix(1737338986, 0)

const downMessage = "🔴XAUUSD🔴\n現價: 2650.5\n\nPotential Downtrend Started"

type sent struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	sent []sent
	err  error
}

func (n *fakeNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sent{chatID, text})
	return nil
}

func traderConfig(id, ticker string, notiChat int64) *service.TraderConfig {
	return &service.TraderConfig{
		ID:                  id,
		Ticker:              ticker,
		Terminal:            service.TerminalConfig{Server: "Demo-Server", Login: 5001},
		NotiChatID:          notiChat,
		AcceptablePriceDiff: 2,
		MaxTotalPositions:   service.MaxPositions{Buy: 1, Sell: 1},
		DailyMargin:         1000,
		OrderProbability:    100,
		Orders:              []service.OrderConfig{{Lot: 0.01, SL: 500, TP: 1000, Deviation: 20}},
	}
}

func simulator(bid float64) *executor.SimulatorExecutor {
	sim := executor.NewSimulatorExecutor(&executor.SimulatorConfig{InitialBalance: 10000, ContractSize: 100, Point: 0.01}, zap.NewNop())
	if bid > 0 {
		sim.UpdateQuote(model.Tick{Symbol: "XAUUSD", Bid: bid, Ask: bid + 0.3, Time: msgTime})
	}
	return sim
}

func signals() []service.SignalConfig {
	return []service.SignalConfig{
		{Ticker: "XAUUSD", SourceChatID: -1001234, SourcePeerID: 1234, MessageType: parser.FormatXAUUSD},
		{Ticker: "EURUSD", SourceChatID: -1005678, SourcePeerID: 5678, MessageType: "EURUSD"},
	}
}

func newDispatcher(traders []Trader, n Notifier, logger *zap.Logger) *Dispatcher {
	pipeline := strategy.NewPipeline(zap.NewNop(),
		strategy.WithRandom(rand.New(rand.NewPCG(1, 1))),
		strategy.WithClock(func() time.Time { return msgTime }))
	return New(signals(), traders, parser.NewParser(), pipeline, n, logger)
}

func TestOnMessageUnknownSource(t *testing.T) {
	n := &fakeNotifier{}
	d := newDispatcher(nil, n, zap.NewNop())

	err := d.OnMessage(context.Background(), 999, downMessage, msgTime)
	assert.ErrorIs(t, err, ErrUnknownSource)

	err = d.OnMessage(context.Background(), 0, downMessage, msgTime)
	assert.ErrorIs(t, err, ErrMissingPeer)
	assert.Empty(t, n.sent)
}

func TestOnMessageFanOut(t *testing.T) {
	n := &fakeNotifier{}
	inRange := simulator(2650.3)
	traders := []Trader{
		{Config: traderConfig("gold-a", "XAUUSD", 11), Terminal: inRange},
		{Config: traderConfig("gold-b", "XAUUSD", 12), Terminal: simulator(2660.0)},
		{Config: traderConfig("euro", "EURUSD", 13), Terminal: simulator(0)},
	}
	d := newDispatcher(traders, n, zap.NewNop())

	// 来源 ID 符号不同也能匹配
	require.NoError(t, d.OnMessage(context.Background(), -1234, downMessage, msgTime))

	require.Len(t, n.sent, 2)
	assert.Equal(t, sent{11, "[gold-a]\nSell orders placed: [1001]"}, n.sent[0])
	assert.Equal(t, sent{12, "[gold-b]\nTick price [2660] & message price [2650.5] diff > 2"}, n.sent[1])

	positions, err := inRange.Positions(context.Background(), "XAUUSD")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, model.SideSell, positions[0].Side)
}

func TestOnMessageInvalidParse(t *testing.T) {
	n := &fakeNotifier{}
	sim := simulator(2650.3)
	traders := []Trader{
		{Config: traderConfig("gold-a", "XAUUSD", 11), Terminal: sim},
		{Config: traderConfig("gold-b", "XAUUSD", 12), Terminal: sim},
	}
	d := newDispatcher(traders, n, zap.NewNop())

	raw := "hello there"
	require.NoError(t, d.OnMessage(context.Background(), 1234, raw, msgTime))
	require.Len(t, n.sent, 2)
	assert.Equal(t, "[gold-a]\nBot failed to read the telegram message: \nhello there", n.sent[0].text)
	assert.Equal(t, int64(12), n.sent[1].chatID)

	positions, err := sim.Positions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOnMessageUnknownFormatIsNotified(t *testing.T) {
	n := &fakeNotifier{}
	traders := []Trader{{Config: traderConfig("euro", "EURUSD", 13), Terminal: simulator(0)}}
	d := newDispatcher(traders, n, zap.NewNop())

	require.NoError(t, d.OnMessage(context.Background(), 5678, "anything", msgTime))
	require.Len(t, n.sent, 1)
	assert.Equal(t, "[euro]\n[MessageParser]Unknown Message Type: EURUSD", n.sent[0].text)
}

func TestOnMessageTraderFailureDoesNotBlockOthers(t *testing.T) {
	n := &fakeNotifier{}
	traders := []Trader{
		{Config: traderConfig("no-quote", "XAUUSD", 11), Terminal: simulator(0)},
		{Config: traderConfig("gold-b", "XAUUSD", 12), Terminal: simulator(2650.3)},
	}
	d := newDispatcher(traders, n, zap.NewNop())

	err := d.OnMessage(context.Background(), 1234, downMessage, msgTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrNoQuote)
	assert.Contains(t, err.Error(), "trader no-quote")

	require.Len(t, n.sent, 2)
	assert.Equal(t, int64(11), n.sent[0].chatID)
	assert.Equal(t, sent{12, "[gold-b]\nSell orders placed: [1001]"}, n.sent[1])
}

func TestOnMessageNotificationFailure(t *testing.T) {
	n := &fakeNotifier{err: errors.New("flood wait")}
	traders := []Trader{
		{Config: traderConfig("gold-a", "XAUUSD", 11), Terminal: simulator(2660)},
		{Config: traderConfig("gold-b", "XAUUSD", 12), Terminal: simulator(2660)},
	}
	d := newDispatcher(traders, n, zap.NewNop())

	err := d.OnMessage(context.Background(), 1234, downMessage, msgTime)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestHandleAdaptsIncomingMessage(t *testing.T) {
	n := &fakeNotifier{}
	traders := []Trader{{Config: traderConfig("gold-a", "XAUUSD", 11), Terminal: simulator(2650.3)}}
	d := newDispatcher(traders, n, zap.NewNop())

	var h api.Handler = d.Handle
	require.NoError(t, h(context.Background(), api.IncomingMessage{ChatID: -1001234, PeerID: 1234, Text: downMessage, Date: msgTime}))
	require.Len(t, n.sent, 1)
}

func TestResolveSourceChats(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := newDispatcher(nil, &fakeNotifier{}, zap.New(core))

	dialogs := []api.Dialog{
		{ID: -1001234, Title: "Gold Signals"},
		{ID: -1005678, Title: "Euro Signals"},
		{ID: 42, Title: "Saved Messages"},
	}
	chats, err := d.ResolveSourceChats(dialogs)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1001234, -1005678}, chats)
	assert.Equal(t, 1, logs.FilterMessage("Listening to channel [Gold Signals] for signal [XAUUSD]").Len())

	_, err = d.ResolveSourceChats(dialogs[:1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EURUSD")
}

func TestAnnounce(t *testing.T) {
	n := &fakeNotifier{}
	traders := []Trader{
		{Config: traderConfig("gold-a", "XAUUSD", 11)},
		{Config: traderConfig("euro", "EURUSD", 13)},
	}
	d := newDispatcher(traders, n, zap.NewNop())

	require.NoError(t, d.Announce(context.Background()))
	require.Len(t, n.sent, 2)
	assert.Equal(t, sent{11, "[gold-a]\nMT5 bot started:\nTicker: XAUUSD\nServer: Demo-Server\nAccount: 5001"}, n.sent[0])
	assert.Equal(t, int64(13), n.sent[1].chatID)
}
