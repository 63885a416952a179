package models

import "time"

// Канонические статусы ордера
// Машина состояний: PENDING → OPEN → {COMPLETE | CANCELLED | REJECTED}
const (
	OrderStatusPending   = "PENDING"
	OrderStatusOpen      = "OPEN"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

// Канонические стороны сделки
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Канонические типы ордера
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeSL     = "SL"   // stop-loss limit
	OrderTypeSLM    = "SL-M" // stop-loss market
)

// Канонические продукты
const (
	ProductMIS = "MIS" // intraday
	ProductCNC = "CNC" // delivery
)

// Order представляет размещённый или неудавшийся ордер
// Записи никогда не удаляются (audit trail)
type Order struct {
	ID           int    `json:"id" db:"id"`
	ConnectionID int    `json:"connection_id" db:"connection_id"`
	RawSignal    string `json:"raw_signal,omitempty" db:"raw_signal"` // входящий сигнал как есть

	// Канонический запрос
	Symbol       string  `json:"symbol" db:"symbol"`
	Exchange     string  `json:"exchange" db:"exchange"`
	Side         string  `json:"side" db:"side"`
	Quantity     int     `json:"quantity" db:"quantity"`
	OrderType    string  `json:"order_type" db:"order_type"`
	Product      string  `json:"product" db:"product"`
	Price        float64 `json:"price" db:"price"`
	TriggerPrice float64 `json:"trigger_price" db:"trigger_price"`
	Validity     string  `json:"validity" db:"validity"`

	// Результат
	BrokerOrderID string  `json:"broker_order_id,omitempty" db:"broker_order_id"` // неизменяем после установки
	Status        string  `json:"status" db:"status"`
	ExecutedPrice float64 `json:"executed_price" db:"executed_price"`
	ExecutedQty   int     `json:"executed_qty" db:"executed_qty"`
	RealizedPnl   float64 `json:"realized_pnl" db:"realized_pnl"`
	StatusDetail  string  `json:"status_detail,omitempty" db:"status_detail"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminalStatus возвращает true для финальных статусов
// После финального статуса дальнейшие изменения не ожидаются
func IsTerminalStatus(status string) bool {
	return status == OrderStatusComplete ||
		status == OrderStatusCancelled ||
		status == OrderStatusRejected
}

// statusRank задаёт порядок статусов для проверки монотонности
// Переход допустим только к статусу с большим или равным рангом,
// при этом из терминального статуса переходов нет вообще
var statusRank = map[string]int{
	OrderStatusPending:   0,
	OrderStatusOpen:      1,
	OrderStatusComplete:  2,
	OrderStatusCancelled: 2,
	OrderStatusRejected:  2,
}

// CanTransitionStatus проверяет допустимость перехода статуса ордера
func CanTransitionStatus(from, to string) bool {
	if IsTerminalStatus(from) {
		return false
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank || from == to
}
