// Package dispatcher 将聊天消息路由到信号定义和交易员，并把决策结果通知回聊天
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mt5-signal-bot/internal/api"
	"mt5-signal-bot/internal/executor"
	"mt5-signal-bot/internal/metrics"
	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/parser"
	"mt5-signal-bot/internal/service"
	"mt5-signal-bot/internal/strategy"
)

var (
	// ErrMissingPeer 消息没有携带来源频道
	ErrMissingPeer = errors.New("cannot find source peer id from message")
	// ErrUnknownSource 来源频道没有对应的信号配置
	ErrUnknownSource = errors.New("cannot find matching signal for source peer")
)

// Notifier 发送通知消息，api.ChatClient 满足该接口
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Trader 是一个交易员配置及其独占的终端会话
type Trader struct {
	Config   *service.TraderConfig
	Terminal executor.Terminal
}

type Dispatcher struct {
	signals  []service.SignalConfig
	traders  []Trader
	parser   *parser.Parser
	pipeline *strategy.Pipeline
	notifier Notifier
	logger   *zap.Logger
}

func New(signals []service.SignalConfig, traders []Trader, p *parser.Parser, pipeline *strategy.Pipeline, notifier Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		signals:  signals,
		traders:  traders,
		parser:   p,
		pipeline: pipeline,
		notifier: notifier,
		logger:   logger,
	}
}

// Handle 适配 api.Handler
func (d *Dispatcher) Handle(ctx context.Context, msg api.IncomingMessage) error {
	return d.OnMessage(ctx, msg.PeerID, msg.Text, msg.Date)
}

// OnMessage 处理一条来自信号频道的消息。
// 每个交易员依次独立处理，单个交易员失败不影响其他交易员，所有错误合并后返回。
func (d *Dispatcher) OnMessage(ctx context.Context, peerID int64, raw string, ts time.Time) error {
	logger := d.logger.With(zap.String("MessageID", uuid.NewString()), zap.Int64("PeerID", peerID))

	if peerID == 0 {
		return ErrMissingPeer
	}
	signal, ok := d.resolveSignal(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, peerID)
	}
	logger = logger.With(zap.String("Ticker", signal.Ticker))

	sig, parseErr := d.parser.Parse(raw, ts, signal.MessageType)
	var perr *parser.ParseError
	switch {
	case parseErr == nil:
		metrics.SignalsReceived.WithLabelValues(signal.MessageType, string(sig.Class)).Inc()
		logger.Info("Signal received", zap.String("Signal", sig.String()))
	case errors.As(parseErr, &perr):
		metrics.SignalsReceived.WithLabelValues(signal.MessageType, "invalid").Inc()
		logger.Warn("Failed to parse message", zap.Error(parseErr))
	default:
		return parseErr
	}

	var errs error
	for _, t := range d.traders {
		if t.Config.Ticker != signal.Ticker {
			continue
		}
		if perr != nil {
			errs = multierr.Append(errs, d.notify(ctx, t.Config, perr.Reason))
			continue
		}
		errs = multierr.Append(errs, d.runTrader(ctx, logger, t, sig))
	}
	return errs
}

func (d *Dispatcher) runTrader(ctx context.Context, logger *zap.Logger, t Trader, sig model.Signal) error {
	id := t.Config.ID
	decision, err := d.pipeline.Decide(ctx, sig, t.Config, t.Terminal)

	for _, o := range decision.Outcomes {
		metrics.OrdersTotal.WithLabelValues(id, o.Request.Side.String(), "ok").Inc()
	}
	switch {
	case err != nil && decision.Stage == strategy.StagePlacement:
		metrics.OrdersTotal.WithLabelValues(id, decision.Side.String(), "failed").Inc()
	case err == nil && !decision.Admitted && decision.Stage != strategy.StageNoise:
		metrics.GateRejections.WithLabelValues(id, decision.Stage.String()).Inc()
	}

	var errs error
	if err != nil {
		logger.Error("Decision pipeline failed",
			zap.String("Trader", id),
			zap.String("Stage", decision.Stage.String()),
			zap.Error(err))
		errs = fmt.Errorf("trader %s: %w", id, err)
	}
	if decision.Notice != "" {
		errs = multierr.Append(errs, d.notify(ctx, t.Config, decision.Notice))
	}
	return errs
}

// notify 发送带交易员前缀的通知
func (d *Dispatcher) notify(ctx context.Context, trader *service.TraderConfig, text string) error {
	msg := fmt.Sprintf("[%s]\n%s", trader.ID, text)
	if err := d.notifier.SendMessage(ctx, trader.NotiChatID, msg); err != nil {
		d.logger.Error("Failed to send notification",
			zap.String("Trader", trader.ID),
			zap.Int64("ChatID", trader.NotiChatID),
			zap.Error(err))
		return fmt.Errorf("notify trader %s: %w", trader.ID, err)
	}
	return nil
}

// resolveSignal 按绝对值匹配来源 ID，兼容不同编码下的正负号
func (d *Dispatcher) resolveSignal(peerID int64) (service.SignalConfig, bool) {
	for _, s := range d.signals {
		if service.AbsInt64(s.SourcePeerID) == service.AbsInt64(peerID) {
			return s, true
		}
	}
	return service.SignalConfig{}, false
}

// ResolveSourceChats 校验每个信号的来源频道都在聊天列表中，返回需要订阅的频道 ID
func (d *Dispatcher) ResolveSourceChats(dialogs []api.Dialog) ([]int64, error) {
	titles := make(map[int64]string, len(dialogs))
	for _, dl := range dialogs {
		titles[dl.ID] = dl.Title
	}

	chats := make([]int64, 0, len(d.signals))
	for _, s := range d.signals {
		title, ok := titles[s.SourceChatID]
		if !ok {
			return nil, fmt.Errorf("invalid source chat id %d for signal %s", s.SourceChatID, s.Ticker)
		}
		d.logger.Info(fmt.Sprintf("Listening to channel [%s] for signal [%s]", title, s.Ticker))
		chats = append(chats, s.SourceChatID)
	}
	return chats, nil
}

// Announce 向每个交易员的通知频道发送启动消息
func (d *Dispatcher) Announce(ctx context.Context) error {
	var errs error
	for _, t := range d.traders {
		c := t.Config
		text := fmt.Sprintf("MT5 bot started:\nTicker: %s\nServer: %s\nAccount: %d", c.Ticker, c.Terminal.Server, c.Terminal.Login)
		errs = multierr.Append(errs, d.notify(ctx, c, text))
	}
	return errs
}
