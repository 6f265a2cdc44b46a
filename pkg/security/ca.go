package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CertAuthority manages the daemon's certificate authority: a
// self-signed root that signs the daemon's server certificate and the
// client certificates handed to remote CLIs. The root is persisted in
// its own small bbolt database so it survives restarts.
type CertAuthority struct {
	db        *bolt.DB
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is an issued certificate retained in memory for reuse
// within one daemon lifetime.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var bucketCA = []byte("ca")

const (
	keyRootCert = "root_cert"
	keyRootKey  = "root_key"

	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Issued certificate validity: 90 days
	leafCertValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived)
	rootKeySize = 4096
	// Leaf key size: 2048 bits (shorter-lived, faster)
	leafKeySize = 2048
)

// OpenCertAuthority opens (creating if absent) the CA database under
// dataDir, loading the persisted root or generating and persisting a
// fresh one.
func OpenCertAuthority(dataDir string) (*CertAuthority, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "ca.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open CA database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCA)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create CA bucket: %w", err)
	}

	ca := &CertAuthority{db: db, certCache: make(map[string]*CachedCert)}
	loaded, err := ca.load()
	if err != nil {
		db.Close()
		return nil, err
	}
	if !loaded {
		if err := ca.initialize(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return ca, nil
}

func (ca *CertAuthority) load() (bool, error) {
	var certDER, keyDER []byte
	err := ca.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		if v := b.Get([]byte(keyRootCert)); v != nil {
			certDER = append([]byte(nil), v...)
		}
		if v := b.Get([]byte(keyRootKey)); v != nil {
			keyDER = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read CA: %w", err)
	}
	if certDER == nil || keyDER == nil {
		return false, nil
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return false, fmt.Errorf("failed to parse root certificate: %w", err)
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return false, fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.mu.Lock()
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.mu.Unlock()
	return true, nil
}

// initialize generates a new root certificate and durably persists it.
func (ca *CertAuthority) initialize() error {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Chef Pack Daemon"},
			CommonName:   "chefd Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	if err := ca.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		if err := b.Put([]byte(keyRootCert), certDER); err != nil {
			return err
		}
		return b.Put([]byte(keyRootKey), x509.MarshalPKCS1PrivateKey(rootKey))
	}); err != nil {
		return fmt.Errorf("failed to persist CA: %w", err)
	}

	ca.mu.Lock()
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.mu.Unlock()
	return nil
}

// IssueServerCertificate issues the daemon's TLS serving certificate
// for the given hostnames and addresses.
func (ca *CertAuthority) IssueServerCertificate(dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	return ca.issue("chefd", pkix.Name{
		Organization: []string{"Chef Pack Daemon"},
		CommonName:   "chefd",
	}, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, dnsNames, ipAddresses)
}

// IssueClientCertificate issues a certificate for a remote CLI client.
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	return ca.issue(clientID, pkix.Name{
		Organization: []string{"Chef Pack Daemon"},
		CommonName:   fmt.Sprintf("cli-%s", clientID),
	}, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil, nil)
}

func (ca *CertAuthority) issue(cacheID string, subject pkix.Name, usages []x509.ExtKeyUsage, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  usages,
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	ca.certCache[cacheID] = &CachedCert{
		Cert:      leaf,
		Key:       leafKey,
		IssuedAt:  leaf.NotBefore,
		ExpiresAt: leaf.NotAfter,
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}, nil
}

// VerifyCertificate verifies a certificate against the root.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// RootCert returns the root certificate.
func (ca *CertAuthority) RootCert() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert
}

// GetCachedCert retrieves a certificate issued earlier this lifetime.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, exists := ca.certCache[id]
	return cert, exists
}

// Close closes the CA database.
func (ca *CertAuthority) Close() error { return ca.db.Close() }
