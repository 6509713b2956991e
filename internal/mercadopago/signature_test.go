package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func signFor(secret, dataID, requestID, ts string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	const (
		secret    = "whsec-test"
		dataID    = "12345"
		requestID = "req-abc"
		ts        = "1704908010"
	)

	valid := fmt.Sprintf("ts=%s,v1=%s", ts, signFor(secret, dataID, requestID, ts))

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "valid", header: valid, wantErr: false},
		{name: "valid with spaces", header: fmt.Sprintf("ts=%s, v1=%s", ts, signFor(secret, dataID, requestID, ts)), wantErr: false},
		{name: "missing header", header: "", wantErr: true},
		{name: "malformed header", header: "garbage", wantErr: true},
		{name: "wrong signature", header: fmt.Sprintf("ts=%s,v1=%s", ts, signFor("other-secret", dataID, requestID, ts)), wantErr: true},
		{name: "tampered ts", header: fmt.Sprintf("ts=999,v1=%s", signFor(secret, dataID, requestID, ts)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, tt.header, requestID, dataID)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestVerifySignature_NoSecret(t *testing.T) {
	if err := VerifySignature("", "ts=1,v1=abc", "req", "1"); err == nil {
		t.Fatalf("expected error when secret is not configured")
	}
}
