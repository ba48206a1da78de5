package ca

import (
	"encoding/asn1"
	"testing"
)

func TestCriticalClientAuthEKUMarksExtensionCritical(t *testing.T) {
	ext, err := criticalClientAuthEKU()
	if err != nil {
		t.Fatalf("criticalClientAuthEKU() error = %v", err)
	}
	if !ext.Critical {
		t.Error("expected extended key usage extension to be marked critical")
	}
	if !ext.Id.Equal(oidExtKeyUsage) {
		t.Errorf("extension OID = %v, want %v", ext.Id, oidExtKeyUsage)
	}
}

func TestCriticalClientAuthEKUDecodesToClientAuthOID(t *testing.T) {
	ext, err := criticalClientAuthEKU()
	if err != nil {
		t.Fatalf("criticalClientAuthEKU() error = %v", err)
	}

	var oids []asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(ext.Value, &oids); err != nil {
		t.Fatalf("decoding EKU extension value: %v", err)
	}
	if len(oids) != 1 || !oids[0].Equal(oidExtKeyUsageClientAuth) {
		t.Errorf("decoded OIDs = %v, want [%v]", oids, oidExtKeyUsageClientAuth)
	}
}

func TestRootCertPEMReturnsNilWithoutRoot(t *testing.T) {
	c := New(nil, nil, nil, nil, Config{})
	if pem := c.RootCertPEM(); pem != nil {
		t.Errorf("RootCertPEM() = %q, want nil", pem)
	}
}

func TestRootCertPEMReturnsRootCertificate(t *testing.T) {
	root, err := LoadOrCreateRootCA(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("LoadOrCreateRootCA() error = %v", err)
	}
	c := New(root, nil, nil, nil, Config{})
	if string(c.RootCertPEM()) != string(root.CertPEM()) {
		t.Error("RootCertPEM() did not return the loaded root's certificate PEM")
	}
}
