package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mt5-signal-bot/internal/service"
)

// ResultDropped 入站队列已满而被丢弃的消息
const ResultDropped = "dropped"

var (
	SignalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_received_total", Help: "Chat messages parsed, by format and result"},
		[]string{"format", "result"},
	)
	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gate_rejections_total", Help: "Signals stopped by a decision gate"},
		[]string{"trader", "stage"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to terminals"},
		[]string{"trader", "side", "result"},
	)
)

func init() {
	prometheus.MustRegister(SignalsReceived, GateRejections, OrdersTotal)
}

// Serve 在 addr 上暴露 /metrics，监听失败只记录日志，不影响交易流程
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			service.Logger.Error("Metrics server stopped", zap.String("Addr", addr), zap.Error(err))
		}
	}()
	return srv
}
