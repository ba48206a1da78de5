package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	rootKeyFileMode  = 0o600
	rootCertFileMode = 0o644
	rootKeySize      = 2048
)

// RootCA holds the in-memory root certificate and private key once loaded.
// The key is never serialized outside the process after first load.
type RootCA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey

	certPEM []byte
	serial  string
}

func rootPaths(storagePath string) (certPath, keyPath string) {
	return filepath.Join(storagePath, "root-ca.crt"), filepath.Join(storagePath, "root-ca.key")
}

// LoadOrCreateRootCA loads the root CA from storagePath if present, or
// generates and persists a new one otherwise. validityYears governs the
// certificate's validity window for a freshly generated CA; it is ignored
// when loading an existing one.
func LoadOrCreateRootCA(storagePath string, validityYears int) (*RootCA, error) {
	certPath, keyPath := rootPaths(storagePath)

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return loadRootCA(certPath, keyPath)
		}
	}

	return generateRootCA(storagePath, validityYears)
}

func loadRootCA(certPath, keyPath string) (*RootCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading root CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading root CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("root CA certificate file is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("root CA key file is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root CA key: %w", err)
	}

	return &RootCA{
		Cert:    cert,
		Key:     key,
		certPEM: certPEM,
		serial:  cert.SerialNumber.Text(16),
	}, nil
}

func generateRootCA(storagePath string, validityYears int) (*RootCA, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating CA storage directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating root CA key: %w", err)
	}

	serialNum, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating root CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNum,
		Subject: pkix.Name{
			CommonName:   "StatsMQTT Lite Root CA",
			Organization: []string{"StatsMQTT Lite"},
			OrganizationalUnit: []string{"Fleet PKI"},
			Country:      []string{"US"},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}
	template.AuthorityKeyId = template.SubjectKeyId

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing root CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly signed root CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath, keyPath := rootPaths(storagePath)
	if err := writeFileAtomic(keyPath, keyPEM, rootKeyFileMode); err != nil {
		return nil, fmt.Errorf("persisting root CA key: %w", err)
	}
	if err := writeFileAtomic(certPath, certPEM, rootCertFileMode); err != nil {
		return nil, fmt.Errorf("persisting root CA certificate: %w", err)
	}

	return &RootCA{
		Cert:    cert,
		Key:     key,
		certPEM: certPEM,
		serial:  cert.SerialNumber.Text(16),
	}, nil
}

// CertPEM returns the root CA's certificate in PEM form.
func (r *RootCA) CertPEM() []byte { return r.certPEM }

// Serial returns the root CA's serial number as a hex string.
func (r *RootCA) Serial() string { return r.serial }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
