package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func mustSelfSignedRoot(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating root key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("self-signing root: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing root: %v", err)
	}
	return cert, key
}

func mustLeafCert(t *testing.T, root *x509.Certificate, rootKey *rsa.PrivateKey, ku x509.KeyUsage, eku []x509.ExtKeyUsage, isCA bool) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "DEV-abc123"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              ku,
		ExtKeyUsage:           eku,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, root, &key.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("signing leaf: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	return cert
}

func TestValidateKeyUsageAndEKUAcceptsValidCert(t *testing.T) {
	root, rootKey := mustSelfSignedRoot(t)
	leaf := mustLeafCert(t, root, rootKey, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	result := ValidateKeyUsageAndEKU(leaf)
	if !result.Valid {
		t.Errorf("ValidateKeyUsageAndEKU() invalid: %v", result.Errors)
	}
	if !result.HasDigitalSignature || !result.HasClientAuth {
		t.Error("expected digitalSignature and clientAuth to be set")
	}
	if result.HasProhibitedKeyCertSign {
		t.Error("expected keyCertSign to be absent")
	}
}

func TestValidateKeyUsageAndEKURejectsMissingClientAuth(t *testing.T) {
	root, rootKey := mustSelfSignedRoot(t)
	leaf := mustLeafCert(t, root, rootKey, x509.KeyUsageDigitalSignature, nil, false)

	result := ValidateKeyUsageAndEKU(leaf)
	if result.Valid {
		t.Error("expected invalid result for missing clientAuth")
	}
}

func TestValidateKeyUsageAndEKURejectsProhibitedCertSign(t *testing.T) {
	root, rootKey := mustSelfSignedRoot(t)
	leaf := mustLeafCert(t, root, rootKey, x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	result := ValidateKeyUsageAndEKU(leaf)
	if result.Valid {
		t.Error("expected invalid result when keyCertSign is present")
	}
	if !result.HasProhibitedKeyCertSign {
		t.Error("expected HasProhibitedKeyCertSign = true")
	}
}

func TestValidateChainAcceptsValidLeaf(t *testing.T) {
	root, rootKey := mustSelfSignedRoot(t)
	leaf := mustLeafCert(t, root, rootKey, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	result := ValidateChain(leaf, nil, root)
	if !result.Valid {
		t.Errorf("ValidateChain() invalid: %v", result.Errors)
	}
	if result.ChainLength != 2 {
		t.Errorf("ChainLength = %d, want 2", result.ChainLength)
	}
}

func TestValidateChainRejectsLeafThatIsCA(t *testing.T) {
	root, rootKey := mustSelfSignedRoot(t)
	leaf := mustLeafCert(t, root, rootKey, x509.KeyUsageDigitalSignature, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, true)

	result := ValidateChain(leaf, nil, root)
	if result.Valid {
		t.Error("expected invalid chain when leaf is a CA")
	}
}
