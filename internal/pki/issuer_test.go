package pki

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"
)

func TestIssue(t *testing.T) {
	issuer := NewIssuer(2048)

	leaf, err := issuer.Issue("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", "test-machine", 60)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	block, _ := pem.Decode([]byte(leaf.CertPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("certificate PEM did not decode")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse issued certificate: %v", err)
	}

	if cert.Subject.CommonName != "test-machine" {
		t.Errorf("Expected CN test-machine, got %s", cert.Subject.CommonName)
	}

	if len(cert.Subject.OrganizationalUnit) != 1 ||
		!strings.HasSuffix(cert.Subject.OrganizationalUnit[0], "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d") {
		t.Errorf("Expected OU to encode the agent id, got %v", cert.Subject.OrganizationalUnit)
	}

	if cert.KeyUsage != x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment {
		t.Errorf("Unexpected key usage: %v", cert.KeyUsage)
	}

	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Errorf("Expected client auth EKU, got %v", cert.ExtKeyUsage)
	}

	if cert.IsCA {
		t.Error("Leaf certificate must not be a CA")
	}

	if leaf.Thumbprint != Thumbprint(block.Bytes) {
		t.Error("Thumbprint does not match the encoded certificate")
	}

	wantExpiry := leaf.IssuedAt.Add(60 * 24 * time.Hour)
	if !leaf.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected expiry %v, got %v", wantExpiry, leaf.ExpiresAt)
	}
}

func TestIssue_KeyPEM(t *testing.T) {
	issuer := NewIssuer(2048)

	leaf, err := issuer.Issue("agent-1", "machine", 30)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	block, _ := pem.Decode([]byte(leaf.KeyPEM))
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatal("private key PEM did not decode")
	}

	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		t.Errorf("failed to parse private key: %v", err)
	}
}

func TestIssue_PEMLineWidth(t *testing.T) {
	issuer := NewIssuer(2048)

	leaf, err := issuer.Issue("agent-1", "machine", 30)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	for _, body := range []string{leaf.CertPEM, leaf.KeyPEM} {
		for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
			if len(line) > 64 {
				t.Errorf("PEM line exceeds 64 columns: %d chars", len(line))
			}
		}
	}

	if !strings.HasPrefix(leaf.CertPEM, "-----BEGIN CERTIFICATE-----") {
		t.Error("certificate PEM missing BEGIN marker")
	}
	if !strings.Contains(leaf.CertPEM, "-----END CERTIFICATE-----") {
		t.Error("certificate PEM missing END marker")
	}
}

func TestIssue_NeverReusesKeypair(t *testing.T) {
	issuer := NewIssuer(2048)

	first, err := issuer.Issue("agent-1", "machine", 30)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	second, err := issuer.Issue("agent-1", "machine", 30)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	if first.KeyPEM == second.KeyPEM {
		t.Error("two issuances returned the same private key")
	}
	if first.Thumbprint == second.Thumbprint {
		t.Error("two issuances returned the same thumbprint")
	}
}
