package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/bryanchriswhite/ScreenWire/internal/config"
	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// newTLSConfig builds the server TLS configuration for the given mode.
// Disabled mode returns nil.
func newTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	switch cfg.Mode {
	case config.TLSModeDisabled:
		return nil, nil
	case config.TLSModeSelfSigned:
		cert, err := selfSignedCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case config.TLSModeCustom:
		reloader, err := newCertReloader(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, err
		}
		return &tls.Config{GetCertificate: reloader.certificate}, nil
	}
	return nil, fmt.Errorf("unknown tls mode: %q", cfg.Mode)
}

// selfSignedCertificate generates an ephemeral ECDSA certificate covering
// localhost. Browsers will warn about it; the point is an encrypted link,
// not a trusted identity.
func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ScreenWire"},
			CommonName:   "screenwire",
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// certReloader serves a certificate pair from disk and swaps it in place
// when the files change, so renewals do not require a restart. The watcher
// goroutine lives for the rest of the process, like the listener it serves.
type certReloader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath}
	if err := r.reload(); err != nil {
		return nil, err
	}

	log := logger.WithComponent("tls")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Certificate watcher unavailable, hot reload disabled")
		return r, nil
	}
	for _, path := range []string{certPath, keyPath} {
		if err := watcher.Add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to watch certificate file")
		}
	}
	go r.watch(watcher)
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *certReloader) watch(watcher *fsnotify.Watcher) {
	log := logger.WithComponent("tls")
	defer watcher.Close()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				log.Warn().Err(err).Msg("Certificate reload failed, keeping previous")
				continue
			}
			log.Info().Str("path", event.Name).Msg("Certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Certificate watcher error")
		}
	}
}
