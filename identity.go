package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	pemTypeEncryptedKey = "ENCRYPTED PRIVATE KEY"
	pemTypeCertificate  = "CERTIFICATE"

	// ephemeralPassLen is the size in bytes of the throwaway passphrase guarding the key on disk.
	ephemeralPassLen = 16
)

// ClientIdentity is a TLS client identity derived from a PKCS#12 bundle.
// It is immutable after construction.
type ClientIdentity struct {
	certificate tls.Certificate
	leaf        *x509.Certificate
	chain       []*x509.Certificate
	notAfter    time.Time
}

// Leaf returns the client certificate.
func (c *ClientIdentity) Leaf() *x509.Certificate {
	return c.leaf
}

// Chain returns the intermediate/CA certificates shipped in the bundle.
func (c *ClientIdentity) Chain() []*x509.Certificate {
	return append([]*x509.Certificate(nil), c.chain...)
}

// NotAfter is the earliest expiry across the leaf and its chain.
func (c *ClientIdentity) NotAfter() time.Time {
	return c.notAfter
}

// Fingerprint is the hex SHA-256 of the DER leaf certificate.
func (c *ClientIdentity) Fingerprint() string {
	sum := sha256.Sum256(c.leaf.Raw)
	return hex.EncodeToString(sum[:])
}

// TLSConfig returns a fresh client config presenting this identity.
// Server verification stays enabled; rootCAs nil means the system pool.
func (c *ClientIdentity) TLSConfig(rootCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{c.certificate},
		RootCAs:      rootCAs,
	}
}

// IdentityLoader turns PKCS#12 bundles into client identities.
type IdentityLoader struct {
	// TempDir holds the short-lived key file; empty means os.TempDir().
	TempDir string
	// Now is the clock used for expiry checks; nil means time.Now.
	Now func() time.Time
}

// LoadClientIdentity reads a PKCS#12 file with the default loader.
func LoadClientIdentity(path, password string) (*ClientIdentity, error) {
	return (&IdentityLoader{}).Load(path, password)
}

// Load reads the bundle at path and builds a client identity.
func (l *IdentityLoader) Load(path, password string) (*ClientIdentity, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read identity bundle: %w", err)
	}
	return l.Parse(data, password)
}

// Parse decodes PKCS#12 bytes, checks expiry and builds the TLS certificate.
func (l *IdentityLoader) Parse(data []byte, password string) (*ClientIdentity, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentityBundle, err)
	}
	if leaf == nil {
		return nil, fmt.Errorf("%w: no client certificate", ErrInvalidIdentityBundle)
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidIdentityBundle, key)
	}

	now := l.now()
	if err := checkNotAfter(leaf, now); err != nil {
		return nil, err
	}

	cert, err := l.bridge(key, leaf, chain, now)
	if err != nil {
		return nil, err
	}

	notAfter := leaf.NotAfter
	for _, c := range chain {
		if c.NotAfter.Before(notAfter) {
			notAfter = c.NotAfter
		}
	}

	return &ClientIdentity{
		certificate: cert,
		leaf:        leaf,
		chain:       chain,
		notAfter:    notAfter,
	}, nil
}

func (l *IdentityLoader) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// bridge round-trips the key material through a private temp file: the key is
// written encrypted under a random passphrase, the chain follows, and the file
// is loaded back into a tls.Certificate. The file is gone when bridge returns.
func (l *IdentityLoader) bridge(key any, leaf *x509.Certificate, chain []*x509.Certificate, now time.Time) (tls.Certificate, error) {
	pass := make([]byte, ephemeralPassLen)
	if _, err := rand.Read(pass); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate key passphrase: %w", err)
	}

	f, err := os.CreateTemp(l.TempDir, "nfce-identity-*.pem")
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create key file: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to restrict key file: %w", err)
	}

	der, err := encryptKey(key, pass)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: pemTypeEncryptedKey, Bytes: der}); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: pemTypeCertificate, Bytes: leaf.Raw}); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	for _, c := range chain {
		if err := checkNotAfter(c, now); err != nil {
			return tls.Certificate{}, err
		}
		if err := pem.Encode(f, &pem.Block{Type: pemTypeCertificate, Bytes: c.Raw}); err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to write chain certificate: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to flush key file: %w", err)
	}

	return loadEncryptedChain(name, pass)
}

// encryptKey marshals key as PKCS#8 under PBES2 (PBKDF2-SHA256, AES-256-CBC).
func encryptKey(key any, pass []byte) ([]byte, error) {
	return pkcs8.MarshalPrivateKey(key, pass, &pkcs8.Opts{
		Cipher: pkcs8.AES256CBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       16,
			IterationCount: 10000,
			HMACHash:       crypto.SHA256,
		},
	})
}

// loadEncryptedChain reads an encrypted PKCS#8 key followed by certificates.
func loadEncryptedChain(path string, pass []byte) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read key file: %w", err)
	}

	var cert tls.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case pemTypeEncryptedKey:
			key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, pass)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("failed to decrypt private key: %w", err)
			}
			cert.PrivateKey = key
		case pemTypeCertificate:
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}

	if cert.PrivateKey == nil || len(cert.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("%w: key file is incomplete", ErrInvalidIdentityBundle)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	if !publicKeyMatches(leaf.PublicKey, cert.PrivateKey) {
		return tls.Certificate{}, fmt.Errorf("%w: private key does not match certificate", ErrInvalidIdentityBundle)
	}
	cert.Leaf = leaf

	return cert, nil
}

func publicKeyMatches(pub any, key crypto.PrivateKey) bool {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case *ecdsa.PrivateKey:
		return k.PublicKey.Equal(pub)
	case ed25519.PrivateKey:
		return k.Public().(ed25519.PublicKey).Equal(pub)
	default:
		return false
	}
}

func checkNotAfter(cert *x509.Certificate, now time.Time) error {
	if !cert.NotAfter.After(now) {
		return fmt.Errorf("%w: %s not after %s", ErrExpiredCertificate,
			cert.Subject.CommonName, cert.NotAfter.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return nil
}
