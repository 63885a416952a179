package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики конвейера ордеров
// ============================================================

// SignalLatency - время прохождения сигнала через конвейер,
// от разбора до ответа брокера
var SignalLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradelink",
		Subsystem: "orders",
		Name:      "signal_processing_seconds",
		Help:      "Webhook signal processing latency",
		Buckets:   prometheus.DefBuckets,
	},
)

// OrdersPlaced - успешно размещённые ордера по брокерам
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders accepted by the broker",
	},
	[]string{"broker"},
)

// OrdersRejected - отклонённые размещения по брокерам
var OrdersRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "orders",
		Name:      "rejected_total",
		Help:      "Order placements that ended up REJECTED",
	},
	[]string{"broker"},
)

// SignalsDropped - сигналы, не дошедшие до размещения, по шагу отказа
var SignalsDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "orders",
		Name:      "signals_dropped_total",
		Help:      "Signals rejected before placement",
	},
	[]string{"step"}, // parse, route, auth, resolve, persist
)
