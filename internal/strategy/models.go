package strategy

import (
	"mt5-signal-bot/internal/model"
)

// Stage 标识决策流程中的一道关卡
type Stage string

const (
	StageDirection   Stage = "direction"    // 方向解析
	StagePriceSanity Stage = "price_sanity" // 报价偏差
	StageExposure    Stage = "exposure"     // 同向持仓上限
	StageStaleness   Stage = "staleness"    // 信号时效
	StageDailyMargin Stage = "daily_margin" // 当日亏损熔断
	StageAdmission   Stage = "admission"    // 概率准入
	StagePlacement   Stage = "placement"    // 下单
	StageNoise       Stage = "noise"        // 噪音信号，仅通知
)

func (s Stage) String() string {
	return string(s)
}

// Decision 是一次决策流程的结果。
// Stage 为流程停止的关卡；Admitted 为 true 时所有订单均已提交成功。
// 每次决策恰好产生一条 Notice。
type Decision struct {
	Stage    Stage
	Admitted bool
	Side     model.Side
	Outcomes []model.OrderOutcome
	Notice   string
}
