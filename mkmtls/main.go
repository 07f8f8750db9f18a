// Package mkmtls bootstraps mutual TLS for development: an ed25519 CA
// plus server or client certificates signed by it, in the formats the
// server's --ca-cert and --server-cert flags and the client's
// --client-cert flag expect.
package mkmtls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	caKeyFile  = "ca.key"
	caCertFile = "ca.crt"
)

var CMD = &cobra.Command{
	Use:   "mkmtls [dns_name...]",
	Short: "generate a development CA and mTLS certificates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caKey, caCert, err := loadOrCreateCA()
		if err != nil {
			return fmt.Errorf("CA: %w", err)
		}

		caCertPEM, err := os.ReadFile(caCertFile)
		if err != nil {
			return fmt.Errorf("reading CA certificate: %w", err)
		}

		// The first DNS name doubles as the certificate filename base.
		if err := generateTLSCert(caKey, caCert, args[0], args, caCertPEM); err != nil {
			return fmt.Errorf("generating certificate: %w", err)
		}

		fmt.Printf("Created TLS certificate for %v\n", args)
		return nil
	},
}

func loadOrCreateCA() (ed25519.PrivateKey, *x509.Certificate, error) {
	_, keyErr := os.Stat(caKeyFile)
	_, certErr := os.Stat(caCertFile)

	if keyErr == nil && certErr == nil {
		fmt.Println("Loading existing CA...")
		return loadCA()
	}

	fmt.Println("Creating new CA...")
	return createCA()
}

func loadCA() (ed25519.PrivateKey, *x509.Certificate, error) {
	keyPEM, err := os.ReadFile(caKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to parse CA key PEM")
	}

	caKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	edKey, ok := caKey.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("private key is not an Ed25519 key")
	}

	certPEM, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA cert: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to parse CA cert PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}

	return edKey, caCert, nil
}

func createCA() (ed25519.PrivateKey, *x509.Certificate, error) {
	_, caKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	caKeyBytes, err := x509.MarshalPKCS8PrivateKey(caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	caKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: caKeyBytes,
	})
	if err := os.WriteFile(caKeyFile, caKeyPEM, 0o600); err != nil {
		return nil, nil, fmt.Errorf("failed to save CA private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"CA for Local Development"},
			CommonName:   "Local Development CA",
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCertPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCertDER,
	})
	if err := os.WriteFile(caCertFile, caCertPEM, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to save CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse created CA certificate: %w", err)
	}

	return caKey, caCert, nil
}

func generateTLSCert(caKey ed25519.PrivateKey, caCert *x509.Certificate, certName string, dnsNames []string, caCertPEM []byte) error {
	_, certKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate certificate key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	certTemplate := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Local Development"},
			CommonName:   dnsNames[0],
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		// One certificate serves both sides, so a dev box needs just
		// one mkmtls run per name.
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, certTemplate, caCert, certKey.Public(), caKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certKeyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate key: %w", err)
	}

	keyFileName := certName + ".key"
	certKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: certKeyBytes,
	})
	if err := os.WriteFile(keyFileName, certKeyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to save certificate key: %w", err)
	}

	certFileName := certName + ".crt"
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if err := os.WriteFile(certFileName, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}

	secretName := strings.ReplaceAll(certName, ".", "-") + "-mtls"
	secretYAML := k8sSecretYAML(secretName, certKeyPEM, certPEM, caCertPEM)
	secretFileName := certName + "-tls-secret.yaml"

	if err := os.WriteFile(secretFileName, []byte(secretYAML), 0o644); err != nil {
		return fmt.Errorf("failed to save Kubernetes secret YAML: %w", err)
	}

	fmt.Printf("Created certificate: %s and key: %s\n", certFileName, keyFileName)
	fmt.Printf("Created Kubernetes TLS secret YAML: %s\n", secretFileName)
	return nil
}

// k8sSecretYAML wraps the generated keypair as a Kubernetes TLS secret
// for clusters that mount certificates that way.
func k8sSecretYAML(secretName string, keyPEM, certPEM, caPEM []byte) string {
	keyB64 := base64.StdEncoding.EncodeToString(keyPEM)
	certB64 := base64.StdEncoding.EncodeToString(certPEM)
	caB64 := base64.StdEncoding.EncodeToString(caPEM)

	return fmt.Sprintf(`apiVersion: v1
kind: Secret
metadata:
  name: %s
data:
  tls.crt: %s
  tls.key: %s
  ca.crt: %s
`, secretName, certB64, keyB64, caB64)
}
