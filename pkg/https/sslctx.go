// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ClientCtx is the process-wide TLS context for outgoing connections.
// Read-only after construction; per-connection state lives in the streams.
type ClientCtx struct {
	opts *Options
	base *tls.Config
}

// NewClientCtx builds the client context from opts: trusted roots from
// CAFile/CAPath, an optional client certificate, and the peer verification
// policy. Without a ClientVerifyCallback peer verification is disabled
// entirely; with one, standard chain verification against the loaded roots
// runs and the callback is consulted on top of it. Hostname enforcement is
// the stream's own concern.
func NewClientCtx(opts *Options) (*ClientCtx, error) {
	base := &tls.Config{}

	if opts.CAFile != "" || opts.CAPath != "" {
		roots, err := loadVerifyLocations(opts.CAFile, opts.CAPath)
		if err != nil {
			return nil, err
		}
		base.RootCAs = roots
	}

	if opts.ClientVerifyCallback != nil {
		base.VerifyPeerCertificate = opts.ClientVerifyCallback
	} else {
		base.InsecureSkipVerify = true
	}

	switch {
	case opts.ClientCertificate != "" && opts.ClientPrivateKey != "":
		cert, err := loadKeyPair(opts.ClientCertificate, opts.ClientPrivateKey, func() string {
			return opts.ClientPrivateKeyPassword
		})
		if err != nil {
			return nil, fmt.Errorf("https: loading client certificate: %w", err)
		}
		base.Certificates = []tls.Certificate{cert}

	case opts.ClientCertificate != "" || opts.ClientPrivateKey != "":
		return nil, errors.New("https: both certificate and private key must be specified for client")
	}

	return &ClientCtx{opts: opts, base: base}, nil
}

// configFor derives the per-connection TLS configuration: SNI for the
// target host and an optional per-request certificate from the location's
// user-info field.
func (cx *ClientCtx) configFor(loc Location) (*tls.Config, error) {
	cfg := cx.base.Clone()
	cfg.ServerName = loc.Host

	if certPath, keyPath := loc.CertKey(); certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, errors.New("https: user-info carries cert without key or key without cert")
		}
		cert, err := loadKeyPair(certPath, keyPath, nil)
		if err != nil {
			return nil, fmt.Errorf("https: loading per-request certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ServerCtx is the shared TLS context of one listener, bound to the
// certificate and key named in the listener's location. The certificate is
// re-read when either file changes on disk.
type ServerCtx struct {
	loc      Location
	certPath string
	keyPath  string
	opts     *Options

	cert atomic.Pointer[tls.Certificate]

	watcher *fsnotify.Watcher
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewServerCtx loads the listener certificate named by loc's user-info
// (cert=…;key=…) and starts the file watcher for reloads.
func NewServerCtx(loc Location, opts *Options) (*ServerCtx, error) {
	certPath, keyPath := loc.CertKey()
	if certPath == "" || keyPath == "" {
		return nil, errors.New("https: no certificate or private key is specified for server")
	}

	sc := &ServerCtx{
		loc:      loc,
		certPath: certPath,
		keyPath:  keyPath,
		opts:     opts,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	if err := sc.reload(); err != nil {
		return nil, err
	}

	if watcher, err := fsnotify.NewWatcher(); err != nil {
		log.WithError(err).Warn("Certificate watcher could not be started; reload disabled")
		close(sc.stopAck)
	} else {
		sc.watcher = watcher

		var watchErr error
		for _, dir := range sc.watchDirs() {
			if err := watcher.Add(dir); err != nil {
				watchErr = multierror.Append(watchErr, err)
			}
		}
		if watchErr != nil {
			log.WithError(watchErr).Warn("Watching certificate directories errored")
		}

		go sc.watch()
	}

	return sc, nil
}

func (sc *ServerCtx) watchDirs() []string {
	certDir := filepath.Dir(sc.certPath)
	keyDir := filepath.Dir(sc.keyPath)
	if certDir == keyDir {
		return []string{certDir}
	}
	return []string{certDir, keyDir}
}

func (sc *ServerCtx) watch() {
	defer close(sc.stopAck)

	for {
		select {
		case <-sc.stopSyn:
			return

		case e, ok := <-sc.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if name := filepath.Clean(e.Name); name != filepath.Clean(sc.certPath) && name != filepath.Clean(sc.keyPath) {
				continue
			}

			if err := sc.reload(); err != nil {
				log.WithError(err).WithField("file", e.Name).Error("Reloading server certificate errored")
			} else {
				log.WithField("file", e.Name).Info("Reloaded server certificate")
			}

		case err, ok := <-sc.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}
			log.WithError(err).Error("Certificate watcher errored")
		}
	}
}

func (sc *ServerCtx) reload() error {
	cert, err := loadKeyPair(sc.certPath, sc.keyPath, func() string {
		if sc.opts.KeyPasswdCallback == nil {
			return ""
		}
		return sc.opts.KeyPasswdCallback(sc.loc, sc.certPath, sc.keyPath)
	})
	if err != nil {
		return err
	}

	sc.cert.Store(&cert)
	return nil
}

// config builds the per-listener TLS configuration. GetCertificate follows
// the atomically swapped certificate, so established configs pick up
// reloads on the next handshake.
func (sc *ServerCtx) config() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return sc.cert.Load(), nil
		},
	}
}

// Close stops the certificate watcher.
func (sc *ServerCtx) Close() error {
	if sc.watcher == nil {
		return nil
	}

	close(sc.stopSyn)
	err := sc.watcher.Close()
	<-sc.stopAck
	return err
}

// loadKeyPair reads a PEM certificate chain and private key, decrypting
// the key with the passphrase from passwd when it is PEM-encrypted.
func loadKeyPair(certPath, keyPath string, passwd func() string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("https: no PEM block in key file %q", keyPath)
	}
	if x509.IsEncryptedPEMBlock(block) {
		passphrase := ""
		if passwd != nil {
			passphrase = passwd()
		}

		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("https: decrypting key file %q: %w", keyPath, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

// loadVerifyLocations collects trusted roots from a CA bundle file and/or
// a directory of PEM files.
func loadVerifyLocations(caFile, caPath string) (*x509.CertPool, error) {
	roots := x509.NewCertPool()

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		if !roots.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("https: no usable certificates in %q", caFile)
		}
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, err
		}

		var loadErr error
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".pem", ".crt":
			default:
				continue
			}

			pemData, err := os.ReadFile(filepath.Join(caPath, entry.Name()))
			if err != nil {
				loadErr = multierror.Append(loadErr, err)
				continue
			}
			roots.AppendCertsFromPEM(pemData)
		}
		if loadErr != nil {
			return nil, loadErr
		}
	}

	return roots, nil
}
