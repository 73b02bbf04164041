// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	TerminalModeBridge = "bridge" // 通过 REST bridge 连接真实终端
	TerminalModePaper  = "paper"  // 模拟账户

	DefaultOrderComment = "Opened by MT5-TELEGRAM-BOT"
	DefaultMagic        = 123456
)

type Config struct {
	Log     LogConfig      `mapstructure:"Log"`
	Metrics MetricsConfig  `mapstructure:"Metrics"`
	Chat    ChatConfig     `mapstructure:"Chat"`
	Traders []TraderConfig `mapstructure:"Traders"`
	Signals []SignalConfig `mapstructure:"Signals"`
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Addr string // 为空则不启动 /metrics
}

// ChatConfig 定义了聊天网关的连接信息
type ChatConfig struct {
	GatewayURL      string  `mapstructure:"gateway_url"`
	APIID           int64   `mapstructure:"api_id"`
	APIHash         string  `mapstructure:"api_hash"`
	NotifyPerSecond float64 `mapstructure:"notify_per_second"` // 出站消息限速
}

// TerminalConfig 定义了每个交易员独占的终端会话
type TerminalConfig struct {
	Mode              string  // bridge | paper
	BridgeURL         string  `mapstructure:"bridge_url"`
	Login             int64   // 终端账户
	Password          string  // 终端密码
	Server            string  // 经纪商服务器
	Path              string  // 终端可执行文件路径，由 bridge 负责启动
	TimezoneAdjust    int     `mapstructure:"timezone_adjust"`     // 服务器时区相对 UTC 的小时数
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // bridge 请求限速
	Magic             int64

	// 仅 paper 模式使用
	InitialBalance float64 `mapstructure:"initial_balance"`
	ContractSize   float64 `mapstructure:"contract_size"`
	Point          float64
}

// MaxPositions 每个方向允许同时持有的最大仓位数
type MaxPositions struct {
	Buy  int
	Sell int
}

// OrderConfig 定义了一笔订单模板
type OrderConfig struct {
	Lot       float64
	SL        int // 止损距离 (points)
	TP        int // 止盈距离 (points)
	NoiseSL   int `mapstructure:"noise_sl"`
	NoiseTP   int `mapstructure:"noise_tp"`
	Deviation int
}

func (o OrderConfig) String() string {
	return fmt.Sprintf("{lot: %v, sl: %d, tp: %d, noise_sl: %d, noise_tp: %d, deviation: %d}",
		o.Lot, o.SL, o.TP, o.NoiseSL, o.NoiseTP, o.Deviation)
}

// TraderConfig 定义了一个交易员 (一个终端账户) 的风控与下单参数
type TraderConfig struct {
	ID                        string
	Ticker                    string
	Terminal                  TerminalConfig
	NotiChatID                int64        `mapstructure:"noti_chat_id"`
	AcceptablePriceDiff       float64      `mapstructure:"acceptable_price_diff"`
	MaxTotalPositions         MaxPositions `mapstructure:"max_total_positions"`
	DailyMargin               float64      `mapstructure:"daily_margin"`
	DailyMarginCutoffTimezone int          `mapstructure:"daily_margin_cutoff_timezone"`
	OrderProbability          float64      `mapstructure:"order_probability"`
	Comment                   string
	Orders                    []OrderConfig
}

// SignalConfig 定义了一个信号源：哪个频道、哪种消息格式、对应哪个品种
type SignalConfig struct {
	Ticker       string
	SourceChatID int64  `mapstructure:"source_chat_id"`
	SourcePeerID int64  `mapstructure:"source_peer_id"`
	MessageType  string `mapstructure:"message_type"`
}

// LoadConfig 读取并解析 configPath 下的 config.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 环境变量覆盖，例如 SIGNALBOT_CHAT_API_HASH
	v.SetEnvPrefix("SIGNALBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("Log.Level", "info")
	v.SetDefault("Chat.notify_per_second", 1.0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found in %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.NotifyPerSecond <= 0 {
		c.Chat.NotifyPerSecond = 1
	}
	for i := range c.Traders {
		t := &c.Traders[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("%s-%d", t.Ticker, t.Terminal.Login)
		}
		if t.Comment == "" {
			t.Comment = DefaultOrderComment
		}
		if t.Terminal.Mode == "" {
			t.Terminal.Mode = TerminalModeBridge
		}
		if t.Terminal.RequestsPerSecond <= 0 {
			t.Terminal.RequestsPerSecond = 10
		}
		if t.Terminal.Magic == 0 {
			t.Terminal.Magic = DefaultMagic
		}
		if t.Terminal.ContractSize <= 0 {
			t.Terminal.ContractSize = 100
		}
		if t.Terminal.Point <= 0 {
			t.Terminal.Point = 0.01
		}
	}
}

// Validate 在启动时一次性检查配置，knownFormats 为解析器支持的消息格式
func (c *Config) Validate(knownFormats []string) error {
	if len(c.Traders) == 0 {
		return errors.New("no traders configured")
	}
	if len(c.Signals) == 0 {
		return errors.New("no signals configured")
	}

	ids := make(map[string]struct{}, len(c.Traders))
	for i, t := range c.Traders {
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("trader %d: duplicated id %q", i, t.ID)
		}
		ids[t.ID] = struct{}{}
		if err := t.validate(); err != nil {
			return fmt.Errorf("trader %q: %w", t.ID, err)
		}
	}

	formats := make(map[string]struct{}, len(knownFormats))
	for _, f := range knownFormats {
		formats[f] = struct{}{}
	}
	for i, s := range c.Signals {
		if s.Ticker == "" {
			return fmt.Errorf("signal %d: ticker is required", i)
		}
		if s.SourceChatID == 0 || s.SourcePeerID == 0 {
			return fmt.Errorf("signal %d (%s): source_chat_id and source_peer_id are required", i, s.Ticker)
		}
		if _, ok := formats[s.MessageType]; !ok {
			return fmt.Errorf("signal %d (%s): unknown message_type %q", i, s.Ticker, s.MessageType)
		}
	}
	return nil
}

func (t TraderConfig) validate() error {
	if t.Ticker == "" {
		return errors.New("ticker is required")
	}
	if t.NotiChatID == 0 {
		return errors.New("noti_chat_id is required")
	}
	if t.AcceptablePriceDiff < 0 {
		return errors.New("acceptable_price_diff must not be negative")
	}
	if t.MaxTotalPositions.Buy < 0 || t.MaxTotalPositions.Sell < 0 {
		return errors.New("max_total_positions must not be negative")
	}
	if t.DailyMargin < 0 {
		return errors.New("daily_margin must not be negative")
	}
	if t.DailyMarginCutoffTimezone < -12 || t.DailyMarginCutoffTimezone > 14 {
		return fmt.Errorf("daily_margin_cutoff_timezone %d out of range", t.DailyMarginCutoffTimezone)
	}
	if t.OrderProbability < 0 || t.OrderProbability > 100 {
		return fmt.Errorf("order_probability %v not in [0, 100]", t.OrderProbability)
	}
	if len(t.Orders) == 0 {
		return errors.New("at least one order is required")
	}
	for i, o := range t.Orders {
		if o.Lot <= 0 {
			return fmt.Errorf("order %d: lot must be positive", i)
		}
		if o.SL < 0 || o.TP < 0 || o.NoiseSL < 0 || o.NoiseTP < 0 || o.Deviation < 0 {
			return fmt.Errorf("order %d: distances must not be negative", i)
		}
		if o.NoiseSL > o.SL || o.NoiseTP > o.TP {
			return fmt.Errorf("order %d: noise must not exceed its sl/tp distance", i)
		}
	}
	switch t.Terminal.Mode {
	case TerminalModeBridge:
		if t.Terminal.BridgeURL == "" {
			return errors.New("terminal.bridge_url is required in bridge mode")
		}
	case TerminalModePaper:
		// 模拟账户的行情来自 bridge
		if t.Terminal.BridgeURL == "" {
			return errors.New("terminal.bridge_url is required in paper mode as quote source")
		}
	default:
		return fmt.Errorf("unknown terminal mode %q", t.Terminal.Mode)
	}
	return nil
}
