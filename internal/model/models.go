package model

import "time"

// Tick 代表终端返回的最新报价快照
type Tick struct {
	Symbol string    // 交易品种，例如 "XAUUSD"
	Bid    float64   // 买价 (卖单成交价)
	Ask    float64   // 卖价 (买单成交价)
	Point  float64   // 最小报价单位
	Time   time.Time // 报价时间 (已按服务器时区校正)
}

// Price 返回指定方向的成交价：买单用 Ask，卖单用 Bid
func (t Tick) Price(side Side) float64 {
	if side == SideBuy {
		return t.Ask
	}
	return t.Bid
}

// Deal 代表一笔已成交的历史记录，用于回推某一时刻的净值
type Deal struct {
	Ticket     uint64
	Symbol     string
	Profit     float64
	Commission float64
	Time       time.Time
}
