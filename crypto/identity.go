package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	certificateValidity = 10 * 365 * 24 * time.Hour
)

// Identity is the local TLS credential presented to peers.
type Identity struct {
	Certificate    tls.Certificate
	Leaf           *x509.Certificate
	CertificatePEM []byte
}

// Fingerprint returns the SHA-256 fingerprint of the identity certificate.
func (i *Identity) Fingerprint() string {
	return CertificateFingerprint(i.Leaf.Raw)
}

// EnsureIdentity loads the local certificate and key from disk, generating them on first run.
func EnsureIdentity(certPath, keyPath, commonName string) (*Identity, error) {
	identity, err := LoadIdentity(certPath, keyPath)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	certPEM, keyPEM, err := GenerateIdentityPEM(commonName)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}

	return NewIdentity(certPEM, keyPEM)
}

// LoadIdentity reads a PEM certificate and private key pair.
func LoadIdentity(certPath, keyPath string) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return NewIdentity(certPEM, keyPEM)
}

// NewIdentity builds an Identity from PEM encoded certificate and key.
func NewIdentity(certPEM, keyPEM []byte) (*Identity, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	pair.Leaf = leaf

	return &Identity{
		Certificate:    pair,
		Leaf:           leaf,
		CertificatePEM: append([]byte(nil), certPEM...),
	}, nil
}

// GenerateIdentityPEM creates a self-signed ECDSA P-256 certificate valid for client and server auth.
func GenerateIdentityPEM(commonName string) (certPEM, keyPEM []byte, err error) {
	commonName = strings.TrimSpace(commonName)
	if commonName == "" {
		return nil, nil, errors.New("common name is required")
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{commonName},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
		template.DNSNames = nil
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ParseCertificatePEM decodes the first PEM block as an X.509 certificate.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("decode certificate PEM: no PEM block")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode certificate PEM: unexpected type %q", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of a DER certificate.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}

	return b.String()
}
