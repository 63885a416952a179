package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики reconciler'а
// ============================================================
//
// Использование:
// - Grafana дашборды: сколько ордеров в полёте, как быстро закрываются
// - Alertmanager: рост poll_errors_total или зависшие таски

// ActiveTasks - количество отслеживаемых ордеров
var ActiveTasks = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "active_tasks",
		Help:      "Current number of orders being tracked",
	},
)

// PollsTotal - количество опросов статуса по брокерам
var PollsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "polls_total",
		Help:      "Total number of order status polls",
	},
	[]string{"broker"},
)

// PollErrors - ошибки опроса по брокерам
var PollErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "poll_errors_total",
		Help:      "Total number of failed order status polls",
	},
	[]string{"broker", "kind"}, // kind: auth, transient
)

// TerminalOutcomes - ордера, дошедшие до терминального статуса
var TerminalOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "terminal_outcomes_total",
		Help:      "Orders that reached a terminal status",
	},
	[]string{"broker", "status"}, // status: COMPLETE, CANCELLED, REJECTED
)

// TasksAbandoned - таски, снятые по таймауту отслеживания
var TasksAbandoned = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "tasks_abandoned_total",
		Help:      "Tracking tasks dropped after exceeding the tracking ceiling",
	},
)

// ResyncFailures - неудачные пересинхронизации позиций
var ResyncFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradelink",
		Subsystem: "reconciler",
		Name:      "resync_failures_total",
		Help:      "Position resyncs that failed after retries",
	},
)

// recordTerminal записывает терминальный исход
func recordTerminal(broker, status string) {
	TerminalOutcomes.WithLabelValues(broker, status).Inc()
}

// recordPollError записывает ошибку опроса
func recordPollError(broker string, auth bool) {
	kind := "transient"
	if auth {
		kind = "auth"
	}
	PollErrors.WithLabelValues(broker, kind).Inc()
}
