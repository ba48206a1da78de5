package ca

import (
	"crypto/x509"
	"fmt"
	"time"
)

// KeyUsageResult is the runtime KU/EKU check result required at every device
// authentication, not only at issuance.
type KeyUsageResult struct {
	Valid                    bool
	HasDigitalSignature      bool
	HasClientAuth            bool
	HasProhibitedKeyCertSign bool
	Errors                   []string
}

// ValidateKeyUsageAndEKU enforces that a device certificate carries
// digitalSignature and clientAuth, and does not carry keyCertSign. A legacy
// certificate missing either extension entirely is rejected.
func ValidateKeyUsageAndEKU(cert *x509.Certificate) KeyUsageResult {
	var result KeyUsageResult

	if cert.KeyUsage == 0 {
		result.Errors = append(result.Errors, "certificate has no key usage extension")
	}
	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		result.Errors = append(result.Errors, "certificate has no extended key usage extension")
	}

	result.HasDigitalSignature = cert.KeyUsage&x509.KeyUsageDigitalSignature != 0
	result.HasProhibitedKeyCertSign = cert.KeyUsage&x509.KeyUsageCertSign != 0

	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageClientAuth {
			result.HasClientAuth = true
		}
	}

	if !result.HasDigitalSignature {
		result.Errors = append(result.Errors, "digitalSignature key usage is required")
	}
	if !result.HasClientAuth {
		result.Errors = append(result.Errors, "clientAuth extended key usage is required")
	}
	if result.HasProhibitedKeyCertSign {
		result.Errors = append(result.Errors, "keyCertSign key usage is not permitted on a device certificate")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ChainResult is the result of validating a certificate chain against a
// trusted root.
type ChainResult struct {
	Valid         bool
	ChainLength   int
	Errors        []string
	ChainSubjects []string
}

// ValidateChain checks leaf -> intermediates... -> root per-link: validity
// window, basicConstraints on non-leaf certs, signature verification
// against the issuer, and that the leaf is not itself a CA.
func ValidateChain(leaf *x509.Certificate, intermediates []*x509.Certificate, root *x509.Certificate) ChainResult {
	chain := append([]*x509.Certificate{leaf}, intermediates...)
	chain = append(chain, root)

	result := ChainResult{ChainLength: len(chain)}
	for _, c := range chain {
		result.ChainSubjects = append(result.ChainSubjects, c.Subject.CommonName)
	}

	if leaf.IsCA {
		result.Errors = append(result.Errors, "leaf certificate must not be a CA")
	}

	for i, c := range chain {
		if c.NotBefore.IsZero() {
			continue
		}
		if !validityCoversNow(c) {
			result.Errors = append(result.Errors, fmt.Sprintf("certificate %q is outside its validity window", c.Subject.CommonName))
		}
		if i > 0 && !c.IsCA {
			result.Errors = append(result.Errors, fmt.Sprintf("intermediate %q is missing basicConstraints cA=true", c.Subject.CommonName))
		}
	}

	if !root.IsCA || root.CheckSignatureFrom(root) != nil {
		result.Errors = append(result.Errors, "root certificate is not a valid self-signed CA")
	}

	for i := 0; i < len(chain)-1; i++ {
		issuer := chain[i+1]
		if err := chain[i].CheckSignatureFrom(issuer); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("certificate %q does not verify against issuer %q", chain[i].Subject.CommonName, issuer.Subject.CommonName))
		}
		if issuer.MaxPathLen >= 0 && !issuer.MaxPathLenZero && issuer.MaxPathLen < i {
			result.Errors = append(result.Errors, fmt.Sprintf("path length constraint exceeded at %q", issuer.Subject.CommonName))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func validityCoversNow(c *x509.Certificate) bool {
	now := time.Now()
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}
