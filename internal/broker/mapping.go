package broker

import (
	"fmt"
	"strings"
)

// Централизованные таблицы канонический-запрос → wire-схема брокера.
// Брокеры отклоняют незнакомые enum-значения, поэтому таблицы должны
// воспроизводиться точно; каждая покрыта таблицей в mapping_test.go.

// productMap: канонический продукт → код продукта брокера
var productMap = map[string]map[string]string{
	KindOAuth: { // zerodha
		"MIS": "MIS",
		"CNC": "CNC",
	},
	KindOAuthRefresh: { // upstox
		"MIS": "I",
		"CNC": "D",
	},
	KindManual: { // angel
		"MIS": "INTRADAY",
		"CNC": "DELIVERY",
	},
	KindHashed: { // shoonya
		"MIS": "I",
		"CNC": "C",
	},
	KindGateway: { // xts
		"MIS": "MIS",
		"CNC": "CNC",
	},
}

// orderTypeMap: канонический тип ордера → код брокера
var orderTypeMap = map[string]map[string]string{
	KindOAuth: {
		"MARKET": "MARKET",
		"LIMIT":  "LIMIT",
		"SL":     "SL",
		"SL-M":   "SL-M",
	},
	KindOAuthRefresh: {
		"MARKET": "MARKET",
		"LIMIT":  "LIMIT",
		"SL":     "SL",
		"SL-M":   "SL-M",
	},
	KindManual: {
		"MARKET": "MARKET",
		"LIMIT":  "LIMIT",
		"SL":     "STOPLOSS_LIMIT",
		"SL-M":   "STOPLOSS_MARKET",
	},
	KindHashed: {
		"MARKET": "MKT",
		"LIMIT":  "LMT",
		"SL":     "SL-LMT",
		"SL-M":   "SL-MKT",
	},
	KindGateway: {
		"MARKET": "MARKET",
		"LIMIT":  "LIMIT",
		"SL":     "STOPLIMIT",
		"SL-M":   "STOPMARKET",
	},
}

// WireProduct возвращает код продукта для wire-схемы брокера
func WireProduct(kind, product string) (string, error) {
	m, ok := productMap[kind]
	if !ok {
		return "", fmt.Errorf("unknown broker kind: %s", kind)
	}
	code, ok := m[product]
	if !ok {
		return "", fmt.Errorf("unknown product %q for broker kind %s", product, kind)
	}
	return code, nil
}

// WireOrderType возвращает код типа ордера для wire-схемы брокера
func WireOrderType(kind, orderType string) (string, error) {
	m, ok := orderTypeMap[kind]
	if !ok {
		return "", fmt.Errorf("unknown broker kind: %s", kind)
	}
	code, ok := m[orderType]
	if !ok {
		return "", fmt.Errorf("unknown order type %q for broker kind %s", orderType, kind)
	}
	return code, nil
}

// NeedsTriggerPrice: trigger price включается в payload только для SL / SL-M
func NeedsTriggerPrice(orderType string) bool {
	return orderType == "SL" || orderType == "SL-M"
}

// ============================================================
// Нормализация словарей статусов
// ============================================================

// statusMap: нативный статус брокера (uppercase) → канонический.
// Неизвестные значения по умолчанию отображаются в PENDING
var statusMap = map[string]map[string]string{
	KindOAuth: {
		"OPEN":                   "OPEN",
		"TRIGGER PENDING":        "OPEN",
		"COMPLETE":               "COMPLETE",
		"CANCELLED":              "CANCELLED",
		"REJECTED":               "REJECTED",
		"PUT ORDER REQ RECEIVED": "PENDING",
		"VALIDATION PENDING":     "PENDING",
		"OPEN PENDING":           "PENDING",
		"MODIFY PENDING":         "PENDING",
	},
	KindOAuthRefresh: {
		"OPEN":                            "OPEN",
		"TRIGGER PENDING":                 "OPEN",
		"COMPLETE":                        "COMPLETE",
		"CANCELLED":                       "CANCELLED",
		"REJECTED":                        "REJECTED",
		"AFTER MARKET ORDER REQ RECEIVED": "PENDING",
		"PUT ORDER REQ RECEIVED":          "PENDING",
		"VALIDATION PENDING":              "PENDING",
	},
	KindManual: {
		"OPEN":                   "OPEN",
		"TRIGGER PENDING":        "OPEN",
		"COMPLETE":               "COMPLETE",
		"CANCELLED":              "CANCELLED",
		"REJECTED":               "REJECTED",
		"PUT ORDER REQ RECEIVED": "PENDING",
		"VALIDATION PENDING":     "PENDING",
		"OPEN PENDING":           "PENDING",
	},
	KindHashed: {
		"OPEN":            "OPEN",
		"TRIGGER_PENDING": "OPEN",
		"COMPLETE":        "COMPLETE",
		"CANCELED":        "CANCELLED",
		"REJECTED":        "REJECTED",
		"PENDING":         "PENDING",
	},
	KindGateway: {
		"NEW":             "OPEN",
		"OPEN":            "OPEN",
		"PARTIALLYFILLED": "OPEN",
		"FILLED":          "COMPLETE",
		"CANCELLED":       "CANCELLED",
		"REJECTED":        "REJECTED",
		"PENDINGNEW":      "PENDING",
		"PENDINGCANCEL":   "OPEN",
	},
}

// MapStatus нормализует нативный статус брокера в канонический
func MapStatus(kind, raw string) string {
	m, ok := statusMap[kind]
	if !ok {
		return "PENDING"
	}
	canonical, ok := m[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "PENDING"
	}
	return canonical
}
