package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA-256 хелперы для протоколов брокеров.
//
// Используются в двух местах:
//   - zerodha: checksum = SHA256(api_key + request_token + api_secret) при обмене
//     request_token на access_token
//   - shoonya: пароль хешируется на стороне клиента, appkey-proof = SHA256(userId|apiSecret)

// SHA256Hex возвращает hex-представление SHA-256 хеша строки
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SessionChecksum вычисляет checksum для обмена OAuth request_token (zerodha-протокол)
func SessionChecksum(apiKey, requestToken, apiSecret string) string {
	return SHA256Hex(apiKey + requestToken + apiSecret)
}

// AppKeyProof вычисляет application-key proof для hashed-credential логина
// (shoonya-протокол): SHA256("<userId>|<apiSecret>")
func AppKeyProof(userID, apiSecret string) string {
	return SHA256Hex(userID + "|" + apiSecret)
}
