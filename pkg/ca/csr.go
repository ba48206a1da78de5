package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/wisbric/fleetpki/internal/errs"
)

// parseAndVerifyCSR decodes a PEM-encoded CSR, verifies its self-signature,
// and enforces the minimum RSA key size (steps 1-3 of the signing
// pipeline). Non-RSA keys are rejected as unsupported rather than invalid,
// since the rest of the pipeline assumes RSA.
func parseAndVerifyCSR(csrPEM []byte, minKeyBits int) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, errs.New(errs.InvalidCSR, "CSR is not valid PEM")
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errs.New(errs.InvalidCSR, "CSR could not be parsed")
	}

	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errs.New(errs.UnsupportedCSRKeyType, "only RSA CSR keys are supported")
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, errs.New(errs.InvalidCSR, "CSR self-signature does not verify")
	}

	if pub.N.BitLen() < minKeyBits {
		return nil, errs.New(errs.InvalidCSR, "CSR public key is smaller than the minimum required size")
	}

	return csr, nil
}

// subjectMatches reports whether the CSR's CN or any DNS SAN matches one of
// the expected common names.
func subjectMatches(csr *x509.CertificateRequest, expected []string) bool {
	for _, want := range expected {
		if strings.EqualFold(csr.Subject.CommonName, want) {
			return true
		}
		for _, san := range csr.DNSNames {
			if strings.EqualFold(san, want) {
				return true
			}
		}
	}
	return false
}

// DecodeCSRInput normalizes a CSR submitted either as raw PEM or as a
// base64-wrapped PEM blob, and normalizes line endings, per §4.7 stage 2.
func DecodeCSRInput(raw string) []byte {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	if strings.Contains(normalized, "-----BEGIN CERTIFICATE REQUEST-----") {
		return []byte(normalized)
	}
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(normalized)); err == nil {
		return decoded
	}
	return []byte(normalized)
}
