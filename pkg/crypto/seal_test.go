package crypto

import "testing"

func TestSealBlindProbe(t *testing.T) {
	a, err := SealBlindProbe(64)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(a.Sealed) == 0 || a.SealerPub == "" {
		t.Fatal("empty sealed probe")
	}
	b, err := SealBlindProbe(64)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// Each probe uses a disposable keypair and fresh plaintext.
	if a.SealerPub == b.SealerPub {
		t.Fatal("sealer key reused across probes")
	}
	if string(a.Sealed) == string(b.Sealed) {
		t.Fatal("sealed content repeated")
	}
}
