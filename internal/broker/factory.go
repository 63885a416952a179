package broker

import (
	"fmt"
	"strings"
)

// Виды брокеров - пять семейств протоколов аутентификации
const (
	KindOAuth        = "oauth"         // bearer через request_token + checksum, без refresh
	KindOAuthRefresh = "oauth_refresh" // authorization code + неинтерактивный refresh
	KindManual       = "manual"        // client code + пароль + TOTP
	KindHashed       = "hashed"        // SHA-256 пароля + appkey proof, токен в теле запроса
	KindGateway      = "gateway"       // логин через внешний trading-gateway (XTS)
)

// SupportedBrokers - список поддерживаемых брокеров
var SupportedBrokers = []string{
	"zerodha",
	"upstox",
	"angel",
	"shoonya",
	"iifl",
	"jainam",
}

// brokerKinds - отображение брокера на семейство протокола
// iifl и jainam делят один gateway-адаптер
var brokerKinds = map[string]string{
	"zerodha": KindOAuth,
	"upstox":  KindOAuthRefresh,
	"angel":   KindManual,
	"shoonya": KindHashed,
	"iifl":    KindGateway,
	"jainam":  KindGateway,
}

// NewBroker создает адаптер брокера по имени
func NewBroker(name string) (Broker, error) {
	name = strings.ToLower(name)

	switch name {
	case "zerodha":
		return NewZerodha(), nil
	case "upstox":
		return NewUpstox(), nil
	case "angel":
		return NewAngel(), nil
	case "shoonya":
		return NewShoonya(), nil
	case "iifl", "jainam":
		return NewXTS(name), nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли брокер
func IsSupported(name string) bool {
	_, ok := brokerKinds[strings.ToLower(name)]
	return ok
}

// KindOf возвращает семейство протокола для брокера
func KindOf(name string) (string, bool) {
	kind, ok := brokerKinds[strings.ToLower(name)]
	return kind, ok
}
