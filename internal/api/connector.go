package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mt5-signal-bot/internal/metrics"
	"mt5-signal-bot/internal/service"
)

var (
	ErrNotConnected = errors.New("chat gateway not connected")
	ErrClosed       = errors.New("chat gateway connection closed")
)

const (
	opAuth        = "auth"
	opListDialogs = "list_dialogs"
	opSubscribe   = "subscribe"
	opSend        = "send_message"

	eventResponse = "response"
	eventMessage  = "message"
)

// Dialog 聊天列表中的一项 (频道、群组或私聊)
type Dialog struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// IncomingMessage 订阅频道中的一条新消息
type IncomingMessage struct {
	ChatID int64
	PeerID int64 // 发送方频道/群组 ID，可能为 0
	Text   string
	Date   time.Time
}

// Handler 处理一条入站消息，返回的错误由 Run 记录
type Handler func(ctx context.Context, msg IncomingMessage) error

// ChatClient 聊天平台客户端
type ChatClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ListDialogs(ctx context.Context) ([]Dialog, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	Subscribe(ctx context.Context, chatIDs []int64) error
	Run(ctx context.Context, h Handler) error
}

// request 出站帧
type request struct {
	Op      string  `json:"op"`
	ID      string  `json:"id"`
	APIID   int64   `json:"api_id,omitempty"`
	APIHash string  `json:"api_hash,omitempty"`
	ChatID  int64   `json:"chat_id,omitempty"`
	ChatIDs []int64 `json:"chat_ids,omitempty"`
	Text    string  `json:"text,omitempty"`
}

// frame 入站帧：event=response 对应某个请求，event=message 为推送的新消息
type frame struct {
	Event   string   `json:"event"`
	ID      string   `json:"id"`
	OK      bool     `json:"ok"`
	Error   string   `json:"error"`
	Dialogs []Dialog `json:"dialogs"`

	ChatID int64  `json:"chat_id"`
	PeerID int64  `json:"peer_id"`
	Text   string `json:"text"`
	Date   int64  `json:"date"`
}

// GatewayClient 通过 websocket 连接聊天网关 sidecar，实现 ChatClient。
// 请求与响应通过 uuid 关联；入站消息进入单一缓冲通道，由 Run 逐条处理。
type GatewayClient struct {
	cfg     service.ChatConfig
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan frame
	readErr error

	inbound chan IncomingMessage
	done    chan struct{}
}

func NewGatewayClient(cfg service.ChatConfig, logger *zap.Logger) *GatewayClient {
	perSecond := cfg.NotifyPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &GatewayClient{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger.With(zap.String("component", "ChatGateway")),
		pending: make(map[string]chan frame),
		inbound: make(chan IncomingMessage, 1024),
	}
}

// Connect 建立连接、启动读循环并完成鉴权
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to chat gateway...", zap.String("URL", c.cfg.GatewayURL))
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial chat gateway: %w", err)
	}
	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop()

	if _, err := c.request(ctx, request{Op: opAuth, APIID: c.cfg.APIID, APIHash: c.cfg.APIHash}); err != nil {
		_ = c.Disconnect()
		return err
	}
	c.logger.Info("Chat gateway session authorized")
	return nil
}

// Disconnect 关闭连接，读循环随之退出
func (c *GatewayClient) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
		c.logger.Info("Chat gateway disconnected")
	})
	return err
}

func (c *GatewayClient) ListDialogs(ctx context.Context) ([]Dialog, error) {
	resp, err := c.request(ctx, request{Op: opListDialogs})
	if err != nil {
		return nil, err
	}
	return resp.Dialogs, nil
}

// SendMessage 发送文本消息，受 notify_per_second 限速
func (c *GatewayClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.request(ctx, request{Op: opSend, ChatID: chatID, Text: text})
	return err
}

func (c *GatewayClient) Subscribe(ctx context.Context, chatIDs []int64) error {
	if _, err := c.request(ctx, request{Op: opSubscribe, ChatIDs: chatIDs}); err != nil {
		return err
	}
	c.logger.Info("Subscribed to source chats", zap.Int64s("ChatIDs", chatIDs))
	return nil
}

// Run 在当前 goroutine 中逐条处理入站消息，直到 ctx 取消或连接断开
func (c *GatewayClient) Run(ctx context.Context, h Handler) error {
	if c.done == nil {
		return ErrNotConnected
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return err
		case msg := <-c.inbound:
			if err := h(ctx, msg); err != nil {
				c.logger.Error("Failed to handle message",
					zap.Int64("ChatID", msg.ChatID),
					zap.Int64("PeerID", msg.PeerID),
					zap.Error(err))
			}
		}
	}
}

// request 发送一个请求帧并等待对应的响应
func (c *GatewayClient) request(ctx context.Context, req request) (frame, error) {
	if c.conn == nil {
		return frame{}, ErrNotConnected
	}
	req.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return frame{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("gateway %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("gateway %s failed: %s", req.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, fmt.Errorf("gateway %s: %w", req.Op, ErrClosed)
	}
}

// readLoop 持续读取网关帧，分发响应和新消息
func (c *GatewayClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.readErr = ErrClosed
			} else {
				c.readErr = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			c.mu.Unlock()
			c.logger.Info("Chat gateway read loop stopped", zap.Error(err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Malformed gateway frame", zap.Error(err))
			continue
		}

		switch f.Event {
		case eventResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("Response for unknown request", zap.String("ID", f.ID))
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case eventMessage:
			msg := IncomingMessage{
				ChatID: f.ChatID,
				PeerID: f.PeerID,
				Text:   f.Text,
				Date:   time.Unix(f.Date, 0),
			}
			// 通道满时丢弃，过期信号在时效关卡也会被拒绝
			select {
			case c.inbound <- msg:
			default:
				metrics.SignalsReceived.WithLabelValues(sourceLabel(f.ChatID), metrics.ResultDropped).Inc()
				c.logger.Warn("Inbound channel full! Dropping message", zap.Int64("ChatID", f.ChatID))
			}
		default:
			c.logger.Debug("Ignoring gateway event", zap.String("Event", f.Event))
		}
	}
}

// sourceLabel 入站消息在解析前只知道来源频道
func sourceLabel(chatID int64) string {
	return "chat:" + strconv.FormatInt(chatID, 10)
}
