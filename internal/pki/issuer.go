package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const (
	defaultKeySize      = 2048
	defaultOrganization = "fleetd"
	defaultOrgUnit      = "Agent"
)

// LeafCertificate is the result of issuing one agent client certificate.
type LeafCertificate struct {
	CertPEM    string
	KeyPEM     string
	Thumbprint string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Issuer mints self-signed agent leaf certificates. There is no CA
// hierarchy: each leaf is its own root, and trust is anchored on the
// thumbprint recorded at issuance time.
type Issuer struct {
	keySize      int
	organization string
	orgUnit      string
}

// NewIssuer creates an issuer with the given RSA key size.
// A keySize of 0 selects the default (2048).
func NewIssuer(keySize int) *Issuer {
	if keySize <= 0 {
		keySize = defaultKeySize
	}
	return &Issuer{
		keySize:      keySize,
		organization: defaultOrganization,
		orgUnit:      defaultOrgUnit,
	}
}

// Issue generates a fresh RSA keypair and a self-signed client-auth
// certificate for the agent. The subject encodes the agent id in the
// organizational unit. A previous keypair is never reused.
func (i *Issuer) Issue(agentID, commonName string, validityDays int) (*LeafCertificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, i.keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(time.Duration(validityDays) * 24 * time.Hour)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       []string{i.organization},
			OrganizationalUnit: []string{fmt.Sprintf("%s-%s", i.orgUnit, agentID)},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	return &LeafCertificate{
		CertPEM:    string(certPEM),
		KeyPEM:     string(keyPEM),
		Thumbprint: Thumbprint(derBytes),
		IssuedAt:   notBefore,
		ExpiresAt:  notAfter,
	}, nil
}

// Thumbprint computes the lookup key for a certificate: the hex-encoded
// SHA-256 digest of its DER encoding.
func Thumbprint(derBytes []byte) string {
	hash := sha256.Sum256(derBytes)
	return hex.EncodeToString(hash[:])
}
