package delivery

import (
	"strings"
	"testing"
)

func TestSignVerify_Roundtrip(t *testing.T) {
	payload := []byte(`{"type":"entity.vote_cast","data":{"entityId":"5"}}`)
	sig := Sign(payload, "topsecret")

	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if !Verify(payload, sig, "topsecret") {
		t.Fatal("expected signature to verify")
	}
}

func TestVerify_Rejects(t *testing.T) {
	payload := []byte(`{"amount":"1000000000000000000000"}`)
	sig := Sign(payload, "topsecret")

	for i := range payload {
		flipped := append([]byte(nil), payload...)
		flipped[i] ^= 0x01
		if Verify(flipped, sig, "topsecret") {
			t.Fatalf("flipping byte %d should invalidate the signature", i)
		}
	}
	if Verify(payload, sig, "othersecret") {
		t.Error("different secret must not verify")
	}
	if Verify(payload, sig[:len(sig)-1], "topsecret") {
		t.Error("short signature must not verify")
	}
	if Verify(payload, sig+"0", "topsecret") {
		t.Error("long signature must not verify")
	}
	if Verify(payload, "", "topsecret") {
		t.Error("empty signature must not verify")
	}
}
