package gateway

import "testing"

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"ok":true}`)
	secret := "secret"
	signature := Sign(body, secret)
	if !VerifyHMAC(body, signature, secret) {
		t.Fatal("expected signature to be valid")
	}
	if VerifyHMAC(body, "deadbeef", secret) {
		t.Fatal("unexpected valid signature")
	}
	if VerifyHMAC([]byte(`{"ok":false}`), signature, secret) {
		t.Fatal("signature must not match a different body")
	}
	if VerifyHMAC(body, signature, "") {
		t.Fatal("empty secret must never verify")
	}
}
