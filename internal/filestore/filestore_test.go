package filestore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fedixyz/fedi-sub003/internal/apperror"
)

func TestSealOpenRecoveryBundleRoundTrip(t *testing.T) {
	plaintext := []byte("social recovery bundle contents")

	sealed, err := SealRecoveryBundle("correct horse battery staple", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed bundle must not contain the plaintext")
	}

	opened, err := OpenRecoveryBundle("correct horse battery staple", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestOpenRecoveryBundleWrongPassphrase(t *testing.T) {
	sealed, err := SealRecoveryBundle("right", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	_, err = OpenRecoveryBundle("wrong", sealed)
	if err == nil {
		t.Fatal("expected an error for a wrong passphrase")
	}
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Code != apperror.BadRequest {
		t.Fatalf("wrong passphrase must surface as BadRequest, got %v", err)
	}
}

func TestOpenRecoveryBundleRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("short"),
		[]byte("definitely not a sealed bundle at all"),
	}
	for _, c := range cases {
		_, err := OpenRecoveryBundle("any", c)
		var ae *apperror.Error
		if !errors.As(err, &ae) || ae.Code != apperror.InvalidSocialRecoveryFile {
			t.Fatalf("garbage input %q must surface as InvalidSocialRecoveryFile, got %v", c, err)
		}
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	a, err := SealRecoveryBundle("pass", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := SealRecoveryBundle("pass", []byte("same plaintext"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ (random salt/nonce)")
	}
}

func TestDBDumpObjectNaming(t *testing.T) {
	if got := DBDumpObject("fed1"); got != "db-fed1.dump" {
		t.Fatalf("DBDumpObject = %q", got)
	}
}
