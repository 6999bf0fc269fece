// Package cert bootstraps a private CA and the coordinator's TLS certificate
// so a site can enable transport security without external tooling.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	organization = "LibLocker"
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 2 * 365 * 24 * time.Hour
)

// Paths locates the PEM files managed by Ensure.
type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

type Options struct {
	DomainNames []string
	IPAddresses []net.IP
}

// Ensure creates whatever is missing: the CA first, then a server certificate
// signed by it. Existing files are left untouched.
func Ensure(paths Paths, opts Options) error {
	if len(opts.DomainNames) == 0 {
		opts.DomainNames = []string{"localhost"}
	}
	if len(opts.IPAddresses) == 0 {
		opts.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	var (
		caCert *x509.Certificate
		caKey  crypto.Signer
		err    error
	)
	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		caCert, caKey, err = LoadCA(paths.CACert, paths.CAKey)
		if err != nil {
			return err
		}
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
	} else {
		caCert, caKey, err = GenerateCA()
		if err != nil {
			return err
		}
		if err := writePair(caCert, caKey, paths.CACert, paths.CAKey); err != nil {
			return err
		}
		slog.Info("Generated CA certificate", "cert_path", paths.CACert, "key_path", paths.CAKey)
	}

	if fileExists(paths.ServerCert) && fileExists(paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", paths.ServerCert)
		return nil
	}

	serverCert, serverKey, err := Issue(caCert, caKey, opts.DomainNames[0], x509.ExtKeyUsageServerAuth, opts)
	if err != nil {
		return err
	}
	if err := writePair(serverCert, serverKey, paths.ServerCert, paths.ServerKey); err != nil {
		return err
	}
	slog.Info("Generated server certificate",
		"cert_path", paths.ServerCert,
		"domains", opts.DomainNames,
		"ips", opts.IPAddresses)
	return nil
}

// IssueClient writes a client certificate for an agent, signed by the CA at
// caCertPath/caKeyPath.
func IssueClient(caCertPath, caKeyPath, commonName, certPath, keyPath string) error {
	caCert, caKey, err := LoadCA(caCertPath, caKeyPath)
	if err != nil {
		return err
	}
	c, k, err := Issue(caCert, caKey, commonName, x509.ExtKeyUsageClientAuth, Options{})
	if err != nil {
		return err
	}
	if err := writePair(c, k, certPath, keyPath); err != nil {
		return err
	}
	slog.Info("Generated client certificate", "common_name", commonName, "cert_path", certPath)
	return nil
}

func GenerateCA() (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	return sign(template, template, key.Public(), key, key)
}

// Issue signs a leaf certificate for commonName with the given usage.
func Issue(caCert *x509.Certificate, caKey crypto.Signer, commonName string, usage x509.ExtKeyUsage, opts Options) (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
		DNSNames:              opts.DomainNames,
		IPAddresses:           opts.IPAddresses,
	}
	return sign(template, caCert, key.Public(), caKey, key)
}

func sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer, key crypto.Signer) (*x509.Certificate, crypto.Signer, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return c, key, nil
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func LoadCA(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("CA key cannot sign")
	}
	return caCert, signer, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	return block, nil
}

func writePair(c *x509.Certificate, key crypto.Signer, certPath, keyPath string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", c.Raw, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
