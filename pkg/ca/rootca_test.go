package ca

import (
	"os"
	"testing"
)

func TestLoadOrCreateRootCAGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	created, err := LoadOrCreateRootCA(dir, 10)
	if err != nil {
		t.Fatalf("LoadOrCreateRootCA() error = %v", err)
	}
	if created.Cert.Subject.CommonName != "StatsMQTT Lite Root CA" {
		t.Errorf("CommonName = %q", created.Cert.Subject.CommonName)
	}
	if !created.Cert.IsCA {
		t.Error("generated root certificate is not marked as CA")
	}

	reloaded, err := LoadOrCreateRootCA(dir, 10)
	if err != nil {
		t.Fatalf("reloading: LoadOrCreateRootCA() error = %v", err)
	}
	if reloaded.Serial() != created.Serial() {
		t.Errorf("reloaded serial = %q, want %q", reloaded.Serial(), created.Serial())
	}
	if reloaded.Cert.SerialNumber.Cmp(created.Cert.SerialNumber) != 0 {
		t.Error("reloaded certificate does not match originally generated one")
	}
}

func TestWriteFileAtomicPersistsContent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/file.txt"

	if err := writeFileAtomic(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("writeFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", string(data))
	}
}
