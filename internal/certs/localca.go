// Package certs issues the TLS certificate the proxy presents to clients.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	rootCertFile = "root.pem"
	rootKeyFile  = "root-key.pem"
	siteFile     = "site.p12"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	renewBefore  = 30 * 24 * time.Hour
)

var ErrNotInitialized = errors.New("certificate authority not initialized")

// Provider supplies the certificate used to terminate inbound TLS.
type Provider interface {
	Initialize(rootCommonName string) error
	GetOrCreateCertificate(domains []string) (*tls.Certificate, error)
}

// LocalCA is a file-backed root CA that issues one multi-SAN leaf for the
// proxied domains. Clients must trust root.pem.
type LocalCA struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	rootCert *x509.Certificate
	rootKey  crypto.Signer
	leaves   map[string]*tls.Certificate
}

func NewLocalCA(dir string, logger *slog.Logger) *LocalCA {
	return &LocalCA{
		dir:    dir,
		logger: logging.Component(logger, "certs"),
		now:    time.Now,
		leaves: make(map[string]*tls.Certificate),
	}
}

// RootPath is the PEM file clients should add to their trust store.
func (ca *LocalCA) RootPath() string {
	return filepath.Join(ca.dir, rootCertFile)
}

// Initialize loads the root CA from disk, creating a new one when it is
// missing, unreadable, named differently or expires within 30 days.
func (ca *LocalCA) Initialize(rootCommonName string) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if err := os.MkdirAll(ca.dir, 0o700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	cert, key, err := ca.loadRoot()
	switch {
	case err != nil && !errors.Is(err, os.ErrNotExist):
		ca.logger.Warn("root certificate unreadable, regenerating", "err", err)
	case err == nil && cert.Subject.CommonName != rootCommonName:
		ca.logger.Info("root common name changed, regenerating", "old", cert.Subject.CommonName, "new", rootCommonName)
		err = errors.New("name mismatch")
	case err == nil && ca.now().Add(renewBefore).After(cert.NotAfter):
		ca.logger.Info("root certificate expiring, regenerating", "not_after", cert.NotAfter)
		err = errors.New("expiring")
	}
	if err != nil {
		cert, key, err = ca.createRoot(rootCommonName)
		if err != nil {
			return fmt.Errorf("create root certificate: %w", err)
		}
		ca.logger.Info("created root certificate", "path", ca.RootPath(), "not_after", cert.NotAfter)
	}
	ca.rootCert, ca.rootKey = cert, key
	ca.leaves = make(map[string]*tls.Certificate)
	return nil
}

func (ca *LocalCA) loadRoot() (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(filepath.Join(ca.dir, rootCertFile))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(ca.dir, rootKeyFile))
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, errors.New("root.pem: no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errors.New("root-key.pem: no PEM block")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func (ca *LocalCA) createRoot(commonName string) (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := ca.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	if err := writePEM(filepath.Join(ca.dir, rootCertFile), "CERTIFICATE", der, 0o644); err != nil {
		return nil, nil, err
	}
	if err := writePEM(filepath.Join(ca.dir, rootKeyFile), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// GetOrCreateCertificate returns a leaf covering every domain. A leaf stored
// on disk is reused while it covers all domains, chains to the current root
// and is not within 30 days of expiry.
func (ca *LocalCA) GetOrCreateCertificate(domains []string) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.rootCert == nil {
		return nil, ErrNotInitialized
	}
	names := normalizeDomains(domains)
	if len(names) == 0 {
		return nil, errors.New("no domains requested")
	}
	key := strings.Join(names, ",")
	if cert, ok := ca.leaves[key]; ok && ca.usable(cert.Leaf, names) {
		return cert, nil
	}

	if cert, err := ca.loadLeaf(); err == nil && ca.usable(cert.Leaf, names) {
		ca.leaves[key] = cert
		ca.logger.Info("reusing site certificate", "domains", names, "not_after", cert.Leaf.NotAfter)
		return cert, nil
	}

	cert, err := ca.createLeaf(names)
	if err != nil {
		return nil, fmt.Errorf("create site certificate: %w", err)
	}
	ca.leaves[key] = cert
	ca.logger.Info("created site certificate", "domains", names, "not_after", cert.Leaf.NotAfter)
	return cert, nil
}

func (ca *LocalCA) usable(leaf *x509.Certificate, names []string) bool {
	if leaf == nil {
		return false
	}
	if ca.now().Add(renewBefore).After(leaf.NotAfter) {
		return false
	}
	if err := leaf.CheckSignatureFrom(ca.rootCert); err != nil {
		return false
	}
	for _, name := range names {
		if err := leaf.VerifyHostname(name); err != nil {
			return false
		}
	}
	return true
}

func (ca *LocalCA) loadLeaf() (*tls.Certificate, error) {
	data, err := os.ReadFile(filepath.Join(ca.dir, siteFile))
	if err != nil {
		return nil, err
	}
	privateKey, leaf, caCerts, err := pkcs12.DecodeChain(data, pkcs12.DefaultPassword)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", siteFile, err)
	}
	chain := [][]byte{leaf.Raw}
	for _, c := range caCerts {
		chain = append(chain, c.Raw)
	}
	return &tls.Certificate{Certificate: chain, PrivateKey: privateKey, Leaf: leaf}, nil
}

func (ca *LocalCA) createLeaf(names []string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := ca.now()
	notAfter := now.Add(leafValidity)
	if notAfter.After(ca.rootCert.NotAfter) {
		notAfter = ca.rootCert.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: names[0]},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     names,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	p12, err := pkcs12.Modern.Encode(key, leaf, []*x509.Certificate{ca.rootCert}, pkcs12.DefaultPassword)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(ca.dir, siteFile), p12, 0o600); err != nil {
		ca.logger.Warn("could not persist site certificate", "err", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d != "" {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, perm)
}
