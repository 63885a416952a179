package models

// Signal - входящий торговый сигнал из webhook (например, alert из TradingView)
//
// Обязательные поля: symbol, action, quantity.
// Остальные опциональны и получают значения по умолчанию при нормализации
// (exchange NSE, order_type MARKET, product MIS, validity DAY).
type Signal struct {
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"` // BUY или SELL
	Quantity     int     `json:"quantity"`
	Exchange     string  `json:"exchange,omitempty"`
	OrderType    string  `json:"order_type,omitempty"`
	Product      string  `json:"product,omitempty"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Validity     string  `json:"validity,omitempty"`
}
