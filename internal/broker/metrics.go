package broker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// APILatency - время ответа API брокеров по хостам
var APILatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradelink",
		Subsystem: "broker",
		Name:      "api_latency_seconds",
		Help:      "Broker API round-trip latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"host"},
)

// APIErrors - неуспешные запросы к API брокеров по хостам
var APIErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "broker",
		Name:      "api_errors_total",
		Help:      "Broker API requests that failed at transport level or returned 5xx",
	},
	[]string{"host"},
)

// metricsRoundTripper замеряет каждый запрос общего HTTP клиента
type metricsRoundTripper struct {
	next http.RoundTripper
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	start := time.Now()

	resp, err := m.next.RoundTrip(req)
	APILatency.WithLabelValues(host).Observe(time.Since(start).Seconds())

	if err != nil || resp.StatusCode >= 500 {
		APIErrors.WithLabelValues(host).Inc()
	}
	return resp, err
}
