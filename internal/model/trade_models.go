package model

import (
	"fmt"
	"time"
)

// Direction 定义了信号给出的趋势方向
type Direction string

const (
	DirUp   Direction = "Up"   // 看涨
	DirDown Direction = "Down" // 看跌
)

func (d Direction) String() string {
	return string(d)
}

// Side 定义了下单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) String() string {
	return string(s)
}

// SignalClass 信号分类
type SignalClass string

const (
	ClassNormal SignalClass = "normal" // 可执行信号
	ClassNoise  SignalClass = "noise"  // 多周期指标不一致，只通知不下单
)

// Signal 结构体定义了从聊天消息中解析出的交易信号
type Signal struct {
	Class     SignalClass
	Symbol    string
	Direction Direction
	Price     float64   // 消息中的报价
	Timestamp time.Time // 消息发送时间
	Raw       string    // 原始消息文本，用于排查
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s | %s] @ %.2f | TS: %d",
		s.Symbol, s.Direction, s.Class, s.Price, s.Timestamp.Unix())
}

// Position 结构体定义了终端上的一笔持仓 (只读快照)
type Position struct {
	Ticket       uint64
	Symbol       string
	Side         Side
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	StopLoss     float64
	TakeProfit   float64
	Profit       float64 // 未实现盈亏
	Time         time.Time
}

// CountBySide 按方向统计持仓数量
func CountBySide(positions []Position) (buy int, sell int) {
	for _, p := range positions {
		switch p.Side {
		case SideBuy:
			buy++
		case SideSell:
			sell++
		}
	}
	return buy, sell
}

// OrderRequest 是提交给终端的市价单请求，止损/止盈以点数距离表示
type OrderRequest struct {
	Symbol     string
	Side       Side
	Lot        float64
	StopLoss   int // 止损距离 (points)
	TakeProfit int // 止盈距离 (points)
	Deviation  int
	Comment    string
}

func (r OrderRequest) String() string {
	return fmt.Sprintf("ORDER [%s | %s] lot: %.2f | SL: %d | TP: %d | Dev: %d",
		r.Symbol, r.Side, r.Lot, r.StopLoss, r.TakeProfit, r.Deviation)
}

// OrderOutcome 记录一笔成功提交的订单
type OrderOutcome struct {
	OrderID uint64
	Request OrderRequest
	Price   float64 // 成交价
}
