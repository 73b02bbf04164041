// Package parser 将聊天消息解析成结构化的交易信号
package parser

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"mt5-signal-bot/internal/model"
)

// ErrUnknownFormat 表示消息格式 ID 未注册
var ErrUnknownFormat = errors.New("unknown message type")

// ParseError 表示一条无法解析的消息，Reason 直接发给交易员，Raw 保留原文
type ParseError struct {
	Reason string
	Raw    string
	err    error
}

func (e *ParseError) Error() string { return e.Reason }

func (e *ParseError) Unwrap() error { return e.err }

// Format 描述一种消息格式。lines 已按行切分并去除首尾空白。
// 返回 false 表示结构不匹配。
type Format interface {
	Parse(lines []string) (fields Fields, ok bool)
}

// Fields 是格式解析出的信号内容，时间戳和原文由 Parser 补齐
type Fields struct {
	Class     model.SignalClass
	Symbol    string
	Direction model.Direction
	Price     float64
}

// Parser 持有格式注册表，创建后只读
type Parser struct {
	formats map[string]Format
}

// NewParser 创建解析器并注册默认的 XAUUSD / XAUUSD_COMBO 格式
func NewParser() *Parser {
	p := &Parser{formats: make(map[string]Format)}
	p.Register(FormatXAUUSD, NewSimpleFormat("XAUUSD"))
	p.Register(FormatXAUUSDCombo, NewComboFormat("XAUUSD"))
	return p
}

// Register 注册 (或覆盖) 一个消息格式，需在启动阶段调用
func (p *Parser) Register(id string, f Format) {
	p.formats[id] = f
}

// Formats 返回所有已注册的格式 ID
func (p *Parser) Formats() []string {
	ids := make([]string, 0, len(p.formats))
	for id := range p.formats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parse 按 formatID 解析 raw。失败时返回 *ParseError，不会 panic。
func (p *Parser) Parse(raw string, ts time.Time, formatID string) (model.Signal, error) {
	f, ok := p.formats[formatID]
	if !ok {
		return model.Signal{}, &ParseError{
			Reason: fmt.Sprintf("[MessageParser]Unknown Message Type: %s", formatID),
			Raw:    raw,
			err:    ErrUnknownFormat,
		}
	}

	fields, ok := f.Parse(splitLines(raw))
	if !ok {
		return model.Signal{}, &ParseError{
			Reason: "Bot failed to read the telegram message: \n" + raw,
			Raw:    raw,
		}
	}

	return model.Signal{
		Class:     fields.Class,
		Symbol:    fields.Symbol,
		Direction: fields.Direction,
		Price:     fields.Price,
		Timestamp: ts,
		Raw:       raw,
	}, nil
}

func splitLines(raw string) []string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}
