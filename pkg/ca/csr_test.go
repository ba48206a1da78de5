package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func generateCSR(t *testing.T, bits int, cn string) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: cn},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("creating CSR: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), key
}

func TestParseAndVerifyCSRAccepts2048(t *testing.T) {
	csrPEM, _ := generateCSR(t, 2048, "DEV-abc123")
	csr, err := parseAndVerifyCSR(csrPEM, 2048)
	if err != nil {
		t.Fatalf("parseAndVerifyCSR() error = %v", err)
	}
	if csr.Subject.CommonName != "DEV-abc123" {
		t.Errorf("CommonName = %q", csr.Subject.CommonName)
	}
}

func TestParseAndVerifyCSRRejectsSmallKey(t *testing.T) {
	csrPEM, _ := generateCSR(t, 1024, "DEV-abc123")
	_, err := parseAndVerifyCSR(csrPEM, 2048)
	if err == nil {
		t.Fatal("expected error for undersized key")
	}
}

func TestParseAndVerifyCSRRejectsGarbage(t *testing.T) {
	_, err := parseAndVerifyCSR([]byte("not a csr"), 2048)
	if err == nil {
		t.Fatal("expected error for malformed PEM")
	}
}

func TestSubjectMatchesCN(t *testing.T) {
	csrPEM, _ := generateCSR(t, 2048, "DEV-abc123")
	csr, err := parseAndVerifyCSR(csrPEM, 2048)
	if err != nil {
		t.Fatalf("parseAndVerifyCSR() error = %v", err)
	}
	if !subjectMatches(csr, []string{"DEV-abc123"}) {
		t.Error("subjectMatches() = false, want true")
	}
	if subjectMatches(csr, []string{"DEV-other"}) {
		t.Error("subjectMatches() = true, want false")
	}
}

func TestDecodeCSRInputAcceptsRawPEM(t *testing.T) {
	csrPEM, _ := generateCSR(t, 2048, "DEV-abc123")
	got := DecodeCSRInput(string(csrPEM))
	if string(got) != string(csrPEM) {
		t.Error("DecodeCSRInput() did not return raw PEM unchanged")
	}
}

func TestDecodeCSRInputAcceptsBase64(t *testing.T) {
	csrPEM, _ := generateCSR(t, 2048, "DEV-abc123")
	encoded := base64.StdEncoding.EncodeToString(csrPEM)
	got := DecodeCSRInput(encoded)
	if string(got) != string(csrPEM) {
		t.Error("DecodeCSRInput() did not decode base64-wrapped PEM")
	}
}

func TestDecodeCSRInputNormalizesLineEndings(t *testing.T) {
	csrPEM, _ := generateCSR(t, 2048, "DEV-abc123")
	withCRLF := string(csrPEM)
	withCRLF = withCRLF[:len(withCRLF)-1] + "\r\n"
	got := DecodeCSRInput(withCRLF)
	if got[len(got)-1] != '\n' {
		t.Error("DecodeCSRInput() did not normalize trailing CRLF")
	}
}
