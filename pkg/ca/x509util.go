package ca

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
)

// subjectKeyID computes a Subject Key Identifier per RFC 5280 method 1: the
// SHA-1 hash of the DER-encoded SubjectPublicKeyInfo's bit string.
func subjectKeyID(pub *rsa.PublicKey) []byte {
	// For RSA the bit string's content is the PKCS#1 RSAPublicKey encoding.
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}
