package strategy

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ErrProbabilityRange 概率不在 [0, 100] 区间
var ErrProbabilityRange = errors.New("probability is not in 0 to 100")

// Random 随机数来源，*rand.Rand 满足该接口
type Random interface {
	IntN(n int) int
	Float64() float64
}

// globalRand 使用 math/rand/v2 的全局随机源
type globalRand struct{}

func (globalRand) IntN(n int) int   { return rand.IntN(n) }
func (globalRand) Float64() float64 { return rand.Float64() }

// Jitter 返回 base 加上 [-spread, spread] 内均匀分布的整数偏移
func Jitter(rng Random, base, spread int) int {
	if spread <= 0 {
		return base
	}
	return base + rng.IntN(2*spread+1) - spread
}

// ProbabilityGate 抽取 [0,100) 的样本 u，p > u 时放行。
// p = 0 永不放行，p = 100 总是放行。
func ProbabilityGate(rng Random, p float64) (bool, error) {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return false, fmt.Errorf("%w: %v", ErrProbabilityRange, p)
	}
	return p > rng.Float64()*100, nil
}
