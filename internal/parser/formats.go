package parser

import (
	"slices"
	"strings"

	"mt5-signal-bot/internal/model"
	"mt5-signal-bot/internal/service"
)

const (
	FormatXAUUSD      = "XAUUSD"
	FormatXAUUSDCombo = "XAUUSD_COMBO"

	PriceLabel = "現價:"
)

// SimpleFormat 单一趋势提示格式:
//
//	🔴XAUUSD🔴
//	現價: 2650.5
//	<空行>
//	Potential Downtrend Started
type SimpleFormat struct {
	Symbol  string
	Markers []string
	Trends  map[string]model.Direction // 第 4 行趋势短语 -> 方向
}

// NewSimpleFormat 按默认标记和短语构造 symbol 的简单格式
func NewSimpleFormat(symbol string) *SimpleFormat {
	return &SimpleFormat{
		Symbol:  symbol,
		Markers: []string{"🔴" + symbol + "🔴", "🟢" + symbol + "🟢"},
		Trends: map[string]model.Direction{
			"Potential Uptrend Started":   model.DirUp,
			"Potential Downtrend Started": model.DirDown,
		},
	}
}

func (f *SimpleFormat) Parse(lines []string) (Fields, bool) {
	if len(lines) < 4 || !slices.Contains(f.Markers, lines[0]) {
		return Fields{}, false
	}
	price, ok := parsePriceLine(lines[1])
	if !ok {
		return Fields{}, false
	}
	dir, ok := f.Trends[lines[3]]
	if !ok {
		return Fields{}, false
	}
	return Fields{
		Class:     model.ClassNormal,
		Symbol:    f.Symbol,
		Direction: dir,
		Price:     price,
	}, true
}

// ComboFormat 多周期组合格式，第 7/8 行的 15 分钟、1 小时趋势用于确认主方向:
//
//	XAUUSD 1/3 Combo
//	入場方向: Long🟢
//	現價: 2650.5
//	...
//	...
//	...
//	15mins: Uptrend
//	1hr: Uptrend
type ComboFormat struct {
	Symbol     string
	Marker     string
	Entries    map[string]model.Direction // 第 2 行入场方向 -> 方向
	Indicators map[string]model.Direction // 确认指标取值 -> 方向
}

// NewComboFormat 按默认标记和短语构造 symbol 的组合格式
func NewComboFormat(symbol string) *ComboFormat {
	return &ComboFormat{
		Symbol: symbol,
		Marker: symbol + " 1/3 Combo",
		Entries: map[string]model.Direction{
			"入場方向: Long🟢":  model.DirUp,
			"入場方向: Short🔴": model.DirDown,
		},
		Indicators: map[string]model.Direction{
			"Uptrend":   model.DirUp,
			"Downtrend": model.DirDown,
		},
	}
}

func (f *ComboFormat) Parse(lines []string) (Fields, bool) {
	if len(lines) < 8 || lines[0] != f.Marker {
		return Fields{}, false
	}
	dir, ok := f.Entries[lines[1]]
	if !ok {
		return Fields{}, false
	}
	price, ok := parsePriceLine(lines[2])
	if !ok {
		return Fields{}, false
	}
	m15, ok := indicatorValue(lines[6], "15mins:")
	if !ok {
		return Fields{}, false
	}
	h1, ok := indicatorValue(lines[7], "1hr:")
	if !ok {
		return Fields{}, false
	}

	// 任一指标与主方向不一致 (包括未知取值) 即为噪音
	class := model.ClassNoise
	if f.confirms(m15, dir) && f.confirms(h1, dir) {
		class = model.ClassNormal
	}
	return Fields{
		Class:     class,
		Symbol:    f.Symbol,
		Direction: dir,
		Price:     price,
	}, true
}

func (f *ComboFormat) confirms(value string, dir model.Direction) bool {
	d, ok := f.Indicators[value]
	return ok && d == dir
}

// indicatorValue 读取 "<label> <value> ..." 的取值，多余的尾部内容忽略
func indicatorValue(line, label string) (string, bool) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 || tokens[0] != label {
		return "", false
	}
	return tokens[1], true
}

// parsePriceLine 解析 "現價: <float>"
func parsePriceLine(line string) (float64, bool) {
	tokens := strings.Fields(line)
	if len(tokens) != 2 || tokens[0] != PriceLabel {
		return 0, false
	}
	price, err := service.StringToFloat(tokens[1])
	if err != nil {
		return 0, false
	}
	return price, true
}
