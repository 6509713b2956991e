package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerifySignature проверяет подпись webhook-уведомления из заголовка
// x-signature формата "ts=<unix>,v1=<hex>". Подпись считается как
// HMAC-SHA256 от манифеста "id:<dataID>;request-id:<requestID>;ts:<ts>;"
// на общем с провайдером секрете; сравнение константное по времени.
func VerifySignature(secret, signatureHeader, requestID, dataID string) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	if signatureHeader == "" {
		return fmt.Errorf("missing signature header")
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}

	if ts == "" || v1 == "" {
		return fmt.Errorf("malformed signature header")
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
