package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	pk, sk, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("metered inference payload")
	sig, err := Sign(sk, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(pk, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(pk, []byte("tampered"), sig) {
		t.Fatalf("expected tampered message to fail verification")
	}

	otherPK, _, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if Verify(otherPK, msg, sig) {
		t.Fatalf("expected wrong key to fail verification")
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	pk, sk, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := Sign(sk, []byte("m"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if Verify("not base64!!", []byte("m"), sig) {
		t.Fatalf("expected malformed pubkey to fail")
	}
	if Verify(pk, []byte("m"), "AAAA") {
		t.Fatalf("expected short signature to fail")
	}
}

func TestPublicFromSecret(t *testing.T) {
	pk, sk, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	derived, err := PublicFromSecret(sk)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if derived != pk {
		t.Fatalf("derived pubkey mismatch: %s vs %s", derived, pk)
	}
}

func TestLoadOrCreate_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "gateway.key")

	pk1, sk1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("identity file mode=%v want 0600", info.Mode().Perm())
		}
	}

	pk2, sk2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pk1 != pk2 || sk1 != sk2 {
		t.Fatalf("identity changed across reload")
	}
}
