package service

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

func StringToFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %s", s)
	}
	return f, nil
}

// AbsInt64 用于比较不同编码下的聊天 ID (频道 ID 可能带负号)
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// FixedZone 根据小时偏移构造时区，例如 8 -> UTC+08:00
func FixedZone(offsetHours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+03d:00", offsetHours), offsetHours*60*60)
}

// DayStart 返回 now 在 loc 时区下当天 00:00 的时刻
func DayStart(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
