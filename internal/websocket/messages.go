package websocket

import "tradelink/internal/models"

// Типизированные сообщения вместо map[string]interface{} -
// без рефлексии при сериализации

// OrderUpdateMessage - изменение статуса ордера
type OrderUpdateMessage struct {
	Type  string        `json:"type"`
	Order *models.Order `json:"order"`
}

// ConnectionUpdateMessage - смена состояния подключения к брокеру
type ConnectionUpdateMessage struct {
	Type         string `json:"type"`
	ConnectionID int    `json:"connection_id"`
	State        string `json:"state"`
	Detail       string `json:"detail,omitempty"`
}

// NotificationMessage - прочие события для UI
type NotificationMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
