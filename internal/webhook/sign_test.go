package webhook

import "testing"

func TestSign_KnownVector(t *testing.T) {
	got := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("Sign() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"event":"order.created"}`)
	sig := Sign("s3cret", payload)

	if !Verify("s3cret", payload, sig) {
		t.Error("Verify() rejected a valid signature")
	}
	if Verify("other", payload, sig) {
		t.Error("Verify() accepted the wrong secret")
	}
	if Verify("s3cret", []byte(`{}`), sig) {
		t.Error("Verify() accepted a modified payload")
	}
	if Verify("s3cret", payload, "zz") {
		t.Error("Verify() accepted a non-hex signature")
	}
}
