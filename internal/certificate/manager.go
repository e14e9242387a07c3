// Package certificate holds the client certificate of the endpoint. It is the identity of the endpoint
// towards the server and it signs on its behalf.
package certificate

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	ecPrivateKeyBlockType    = "EC PRIVATE KEY"
	rsaPrivateKeyBlockType   = "RSA PRIVATE KEY"
	pkcs8PrivateKeyBlockType = "PRIVATE KEY"

	SHA256WithRSA   = "SHA256withRSA"
	SHA256WithECDSA = "SHA256withECDSA"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

type Manager struct {
	lock       sync.RWMutex
	cert       *x509.Certificate
	privateKey crypto.Signer
	rootCA     *x509.CertPool
	now        func() time.Time
}

func New(caRootBlock [][]byte, cert, privateKey []byte) (*Manager, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("cannot copy system certificate pool: %w", err)
	}
	for _, data := range caRootBlock {
		pool.AppendCertsFromPEM(data)
	}

	c := &Manager{
		rootCA: pool,
		now:    time.Now,
	}

	if err := c.SetCertificate(cert, privateKey); err != nil {
		return nil, err
	}

	return c, nil
}

// SetCertificate set a new certificate and a private key.
func (c *Manager) SetCertificate(cert, privateKey []byte) error {
	certPem, _ := pem.Decode(cert)
	if certPem == nil {
		return fmt.Errorf("cannot decode certificate from pem")
	}

	newCert, err := x509.ParseCertificate(certPem.Bytes)
	if err != nil {
		return fmt.Errorf("cannot parse certificate: %w", err)
	}

	block, _ := pem.Decode(privateKey)
	if block == nil {
		return fmt.Errorf("cannot decode private key from pem")
	}

	var key crypto.Signer

	switch block.Type {
	case ecPrivateKeyBlockType:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case rsaPrivateKeyBlockType:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case pkcs8PrivateKeyBlockType:
		var k interface{}
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			signer, ok := k.(crypto.Signer)
			if !ok {
				err = fmt.Errorf("key of type %T cannot sign", k)
			}
			key = signer
		}
	default:
		err = fmt.Errorf("unknown block type '%s'", block.Type)
	}

	if err != nil {
		return fmt.Errorf("cannot decode private key: %w", err)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.cert = newCert
	c.privateKey = key

	return nil
}

// EndpointID returns the common name of the certificate.
func (c *Manager) EndpointID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.cert.Subject.CommonName
}

// IsActivated reports whether the certificate is valid now.
func (c *Manager) IsActivated() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	now := c.now()
	return c.cert != nil && !now.Before(c.cert.NotBefore) && now.Before(c.cert.NotAfter)
}

// Signature returns the signature of the certificate. It changes when the certificate is renewed.
func (c *Manager) Signature() []byte {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.cert.Signature
}

func (c *Manager) GetCertificates() (*x509.CertPool, *x509.Certificate, crypto.PrivateKey) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.rootCA, c.cert, c.privateKey
}

// Sign signs the sha256 digest of data with the private key.
func (c *Manager) Sign(data []byte, algorithm string) ([]byte, error) {
	c.lock.RLock()
	key := c.privateKey
	c.lock.RUnlock()

	switch strings.TrimSpace(algorithm) {
	case SHA256WithRSA:
		if _, ok := key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: '%s' requires a rsa key", ErrUnsupportedAlgorithm, algorithm)
		}
	case SHA256WithECDSA:
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: '%s' requires an ecdsa key", ErrUnsupportedAlgorithm, algorithm)
		}
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedAlgorithm, algorithm)
	}

	digest := sha256.Sum256(data)
	return key.Sign(rand.Reader, digest[:], crypto.SHA256)
}

func (c *Manager) TLSConfig() (*tls.Config, error) {
	rootCA, cert, key := c.GetCertificates()

	config := tls.Config{
		RootCAs: rootCA,
	}

	certPEM := new(bytes.Buffer)
	if err := pem.Encode(certPEM, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}); err != nil {
		return nil, fmt.Errorf("cannot encode certificate: %w", err)
	}

	cc, err := tls.X509KeyPair(certPEM.Bytes(), marshalKeyToPem(key).Bytes())
	if err != nil {
		return nil, fmt.Errorf("cannot create x509 key pair: %w", err)
	}

	config.Certificates = []tls.Certificate{cc}

	return &config, nil
}

func marshalKeyToPem(key crypto.PrivateKey) *bytes.Buffer {
	privKeyPEM := new(bytes.Buffer)
	switch t := key.(type) {
	case *ecdsa.PrivateKey:
		res, _ := x509.MarshalECPrivateKey(t)
		_ = pem.Encode(privKeyPEM, &pem.Block{
			Type:  ecPrivateKeyBlockType,
			Bytes: res,
		})
	case *rsa.PrivateKey:
		_ = pem.Encode(privKeyPEM, &pem.Block{
			Type:  rsaPrivateKeyBlockType,
			Bytes: x509.MarshalPKCS1PrivateKey(t),
		})
	}

	return privKeyPEM
}
