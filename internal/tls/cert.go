// Package tls provides the host's self-signed certificate and the client
// side pinning that goes with it.
//
// The host has no CA-issued certificate on a LAN, so it generates one on
// first start and keeps it under the data directory. Clients trust it by
// its SHA-256 fingerprint, which the host prints at startup and advertises
// over mDNS.
package tls

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
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for Config.
const (
	DefaultValidFor     = 365 * 24 * time.Hour
	DefaultOrganization = "pairhost"
	CertFile            = "host.crt"
	KeyFile             = "host.key"
)

// ErrFingerprintMismatch is returned when a server presents a certificate
// other than the pinned one.
var ErrFingerprintMismatch = errors.New("server certificate does not match pinned fingerprint")

// Config controls where the certificate lives and what it covers.
type Config struct {
	// CertPath and KeyPath locate the PEM files. Both are required.
	CertPath string
	KeyPath  string

	// Hosts become the certificate's SANs.
	// Default: localhost, 127.0.0.1, ::1 and the machine's hostname.
	Hosts []string

	// ValidFor is the lifetime of a generated certificate.
	// Default: one year.
	ValidFor time.Duration

	Organization string
}

// PathsIn returns the default certificate and key paths under dir.
func PathsIn(dir string) (certPath, keyPath string) {
	return filepath.Join(dir, "certs", CertFile), filepath.Join(dir, "certs", KeyFile)
}

// Info describes a loaded or generated certificate.
type Info struct {
	CertPath string
	KeyPath  string

	// Fingerprint is the SHA-256 of the DER certificate as colon-separated
	// uppercase hex ("AA:BB:...").
	Fingerprint string

	NotBefore time.Time
	NotAfter  time.Time

	// Generated is true when Ensure had to create the certificate.
	Generated bool
}

// Expired reports whether the certificate is outside its validity window.
func (i *Info) Expired(now time.Time) bool {
	return now.Before(i.NotBefore) || now.After(i.NotAfter)
}

// Ensure loads the certificate at cfg's paths, generating a new one when
// either file is missing or the existing one has expired.
func Ensure(cfg Config) (*Info, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, errors.New("tls: certificate and key paths are required")
	}

	if fileExists(cfg.CertPath) && fileExists(cfg.KeyPath) {
		info, err := Load(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		if !info.Expired(time.Now()) {
			return info, nil
		}
	}

	info, err := Generate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

// Load reads an existing key pair and computes its fingerprint.
func Load(certPath, keyPath string) (*Info, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &Info{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(cert.Raw),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}, nil
}

// Generate writes a new self-signed ECDSA P-256 certificate and key.
func Generate(cfg Config) (*Info, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = defaultHosts()
	}
	validFor := cfg.ValidFor
	if validFor <= 0 {
		validFor = DefaultValidFor
	}
	org := cfg.Organization
	if org == "" {
		org = DefaultOrganization
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{org}, CommonName: "pairhost"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(cfg.CertPath, 0644, "CERTIFICATE", der); err != nil {
		return nil, err
	}
	if err := writePEM(cfg.KeyPath, 0600, "PRIVATE KEY", keyDER); err != nil {
		return nil, err
	}

	return &Info{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: Fingerprint(der),
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path string, mode os.FileMode, blockType string, der []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func defaultHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name, name+".local")
	}
	return hosts
}

// Fingerprint returns the SHA-256 of a DER certificate as colon-separated
// uppercase hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))

	parts := make([]string, 0, len(sum))
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, hexStr[i:i+2])
	}
	return strings.Join(parts, ":")
}

// NormalizeFingerprint accepts a fingerprint with or without separators,
// in either case, and returns it in Fingerprint's format.
func NormalizeFingerprint(s string) (string, error) {
	clean := strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("invalid fingerprint %q: want %d hex bytes", s, sha256.Size)
	}
	hexStr := strings.ToUpper(clean)
	parts := make([]string, 0, sha256.Size)
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, hexStr[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// ServerConfig returns the server-side TLS configuration for info.
func ServerConfig(info *Info) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(info.CertPath, info.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// PinnedClientConfig returns a client configuration that trusts exactly
// the certificate with the given fingerprint. Chain and hostname checks
// are replaced by the pin.
func PinnedClientConfig(fingerprint string) (*tls.Config, error) {
	want, err := NormalizeFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			if Fingerprint(rawCerts[0]) != want {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
