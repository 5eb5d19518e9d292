// Package tlsmgr terminates TLS: per-domain certificate loading, SNI
// selection, expiry tracking, and the ACME renewal trigger.
package tlsmgr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ruachtech/gatewayd/internal/apperrors"
	"github.com/ruachtech/gatewayd/internal/collaborators"
)

// renewalWindow is how far ahead of expiry the ACME collaborator is
// asked to renew a certificate.
const renewalWindow = 30 * 24 * time.Hour

// Certificate is one domain's loaded TLS material plus its parsed
// validity window.
type Certificate struct {
	Domain    string
	NotBefore time.Time
	NotAfter  time.Time
	tls       *tls.Certificate
}

// Valid reports whether now falls within [NotBefore, NotAfter].
func (c *Certificate) Valid(now time.Time) bool {
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

// Manager loads certificate material from certDir/<domain>/{cert.pem,
// key.pem} and serves it by SNI.
type Manager struct {
	certDir string
	acme    collaborators.ACMEClient
	logger  *slog.Logger

	certs atomic.Pointer[map[string]*Certificate]
}

// NewManager creates a Manager rooted at certDir. acme may be nil, in
// which case collaborators.NoopACMEClient is used and missing/expiring
// certificates are simply logged.
func NewManager(certDir string, acme collaborators.ACMEClient, logger *slog.Logger) *Manager {
	if acme == nil {
		acme = collaborators.NoopACMEClient{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{certDir: certDir, acme: acme, logger: logger}
	empty := map[string]*Certificate{}
	m.certs.Store(&empty)
	return m
}

// Reload rescans certDir, loading (or re-loading) every domain
// subdirectory's cert.pem/key.pem pair. Called at startup and after
// every successful config reload.
func (m *Manager) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(m.certDir)
	if err != nil {
		return fmt.Errorf("reading certificate directory %s: %w", m.certDir, err)
	}

	next := make(map[string]*Certificate, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domain := entry.Name()
		cert, err := m.loadDomain(domain)
		if err != nil {
			m.logger.Warn("gatewayd.tls.load_failed", "domain", domain, "error", err)
			continue
		}
		next[domain] = cert

		if time.Until(cert.NotAfter) < renewalWindow {
			m.triggerRenewal(ctx, domain)
		}
	}

	m.certs.Store(&next)
	return nil
}

func (m *Manager) loadDomain(domain string) (*Certificate, error) {
	dir := filepath.Join(m.certDir, domain)
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	return &Certificate{
		Domain:    domain,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		tls:       &pair,
	}, nil
}

func (m *Manager) triggerRenewal(ctx context.Context, domain string) {
	go func() {
		if _, err := m.acme.ObtainOrRenew(ctx, domain); err != nil {
			m.logger.Warn("gatewayd.tls.renewal_failed", "domain", domain, "error", err)
		}
	}()
}

// GetCertificate implements tls.Config.GetCertificate: SNI selects the
// domain's material. Missing material on an expected domain fails the
// handshake rather than falling back to a default certificate.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	certs := *m.certs.Load()
	cert, ok := certs[hello.ServerName]
	if !ok {
		m.triggerRenewal(context.Background(), hello.ServerName)
		return nil, fmt.Errorf("%w: no certificate for %s", apperrors.ErrCertificateMissing, hello.ServerName)
	}

	if !cert.Valid(time.Now()) {
		return nil, fmt.Errorf("%w: certificate for %s expired at %s", apperrors.ErrCertificateExpired, hello.ServerName, cert.NotAfter)
	}

	return cert.tls, nil
}

// TLSConfig returns a *tls.Config wired to GetCertificate.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Snapshot returns the currently loaded certificates, keyed by domain.
func (m *Manager) Snapshot() map[string]*Certificate {
	return *m.certs.Load()
}
