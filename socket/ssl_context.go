// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// VerifyPeer selects how a handshake judges the peer's certificate.
type VerifyPeer int

const (
	// VerifyUseCtx inherits the verification mode from the Context.
	VerifyUseCtx VerifyPeer = iota

	// VerifyRequired verifies the peer's certificate; on the server side a
	// client certificate is requested and verified if presented.
	VerifyRequired

	// VerifyRequireClientCert is VerifyRequired plus a fatal handshake
	// failure if the client presents no certificate. Server side only.
	VerifyRequireClientCert

	// VerifyNone skips peer certificate verification.
	VerifyNone
)

func (vp VerifyPeer) String() string {
	switch vp {
	case VerifyUseCtx:
		return "use ctx"
	case VerifyRequired:
		return "verify"
	case VerifyRequireClientCert:
		return "verify, require client cert"
	case VerifyNone:
		return "no verify"
	default:
		return "INVALID"
	}
}

// ServerNameCallback is invoked during a server-side handshake with the
// ClientHello's SNI hostname. It may call SwitchServerSSLContext on the
// socket to continue the handshake under another Context.
type ServerNameCallback func(sock *SSLSocket, serverName string)

// Context bundles the TLS configuration shared between SSLSockets: the
// certificate and key, trusted roots, the default verification mode, the
// advertised application protocols, and the client session cache.
//
// Unlike the sockets, a Context may be shared between reactors; its mutable
// configuration is guarded accordingly. Certificates reload atomically, both
// on request via Reload and automatically via WatchFiles.
type Context struct {
	mutex sync.RWMutex

	cert     *tls.Certificate
	certFile string
	keyFile  string

	rootCAs      *x509.CertPool
	rootCAsFile  string
	clientCAs    *x509.CertPool
	verifyPeer   VerifyPeer
	nextProtos   []string
	sniCallback  ServerNameCallback
	sessionCache *lruSessionCache

	watcher  *fsnotify.Watcher
	watchSyn chan struct{}
	watchAck chan struct{}

	ticketKeyOnce sync.Once
	ticketKey     [32]byte
}

// NewContext creates an empty Context; its verification default is
// VerifyUseCtx, which resolves to VerifyRequired for clients and VerifyNone
// for servers.
func NewContext() *Context {
	return &Context{verifyPeer: VerifyUseCtx}
}

func (ctx *Context) log() *log.Entry {
	return log.WithField("context", fmt.Sprintf("%p", ctx))
}

// LoadCertificate loads the PEM-encoded certificate and key files. The paths
// are remembered for Reload and WatchFiles.
func (ctx *Context) LoadCertificate(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("loading certificate: %w", err)
	}

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.cert = &cert
	ctx.certFile = certFile
	ctx.keyFile = keyFile
	return nil
}

// LoadTrustedCertificates loads the PEM-encoded CA bundle used to verify
// peer certificates. The path is remembered for Reload.
func (ctx *Context) LoadTrustedCertificates(path string) error {
	pool, err := loadCertPool(path)
	if err != nil {
		return err
	}

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.rootCAs = pool
	ctx.rootCAsFile = path
	return nil
}

// LoadClientCAList loads the PEM-encoded CA bundle a server accepts client
// certificates from.
func (ctx *Context) LoadClientCAList(path string) error {
	pool, err := loadCertPool(path)
	if err != nil {
		return err
	}

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.clientCAs = pool
	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// Reload re-reads the certificate and key pair and, if set, the trusted CA
// bundle of this Context; a list loaded via LoadClientCAList is not re-read.
// Failures are aggregated;
// the previous state stays active for whatever failed.
func (ctx *Context) Reload() error {
	var err *multierror.Error

	ctx.mutex.RLock()
	certFile, keyFile, rootsFile := ctx.certFile, ctx.keyFile, ctx.rootCAsFile
	ctx.mutex.RUnlock()

	if certFile != "" {
		if loadErr := ctx.LoadCertificate(certFile, keyFile); loadErr != nil {
			err = multierror.Append(err, loadErr)
		}
	}
	if rootsFile != "" {
		if loadErr := ctx.LoadTrustedCertificates(rootsFile); loadErr != nil {
			err = multierror.Append(err, loadErr)
		}
	}

	return err.ErrorOrNil()
}

// WatchFiles starts watching the certificate and key files, reloading the
// Context when they change, e.g., after a certbot renewal. StopWatching ends
// the watch.
func (ctx *Context) WatchFiles() error {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	if ctx.watcher != nil {
		return fmt.Errorf("already watching")
	} else if ctx.certFile == "" {
		return fmt.Errorf("no certificate loaded to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range []string{ctx.certFile, ctx.keyFile} {
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	ctx.watcher = watcher
	ctx.watchSyn = make(chan struct{})
	ctx.watchAck = make(chan struct{})

	go ctx.watchLoop(watcher, ctx.watchSyn, ctx.watchAck)
	return nil
}

func (ctx *Context) watchLoop(watcher *fsnotify.Watcher, syn, ack chan struct{}) {
	defer close(ack)

	for {
		select {
		case <-syn:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				ctx.log().Error("fsnotify's Event channel was closed")
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				ctx.log().WithField("event", event).Debug("Ignoring fsnotify event")
				continue
			}

			if err := ctx.Reload(); err != nil {
				ctx.log().WithError(err).Error("Failed to reload certificates")
			} else {
				ctx.log().WithField("event", event).Info("Reloaded certificates")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				ctx.log().Error("fsnotify's Errors channel was closed")
				return
			}
			ctx.log().WithError(err).Error("fsnotify errored")
		}
	}
}

// StopWatching ends a running WatchFiles watch.
func (ctx *Context) StopWatching() {
	ctx.mutex.Lock()
	watcher, syn, ack := ctx.watcher, ctx.watchSyn, ctx.watchAck
	ctx.watcher = nil
	ctx.mutex.Unlock()

	if watcher == nil {
		return
	}

	close(syn)
	<-ack
	_ = watcher.Close()
}

// SetVerificationOption sets the default peer verification mode for sockets
// created with VerifyUseCtx.
func (ctx *Context) SetVerificationOption(verifyPeer VerifyPeer) {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.verifyPeer = verifyPeer
}

// VerifyDefault returns the Context's default peer verification mode.
func (ctx *Context) VerifyDefault() VerifyPeer {
	ctx.mutex.RLock()
	defer ctx.mutex.RUnlock()

	return ctx.verifyPeer
}

// SetAdvertisedProtocols sets the application protocols announced via ALPN,
// in preference order.
func (ctx *Context) SetAdvertisedProtocols(protocols []string) {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.nextProtos = append([]string(nil), protocols...)
}

// SetServerNameCallback installs the SNI callback; see ServerNameCallback.
func (ctx *Context) SetServerNameCallback(callback ServerNameCallback) {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.sniCallback = callback
}

// EnableSessionCache bounds and enables the client session cache used for
// TLS session resumption across this Context's connections.
func (ctx *Context) EnableSessionCache(size int) error {
	cache, err := newLruSessionCache(size)
	if err != nil {
		return err
	}

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	ctx.sessionCache = cache
	return nil
}

// getCertificate serves the current certificate, so running listeners pick
// up reloads without re-creating their engines.
func (ctx *Context) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	ctx.mutex.RLock()
	defer ctx.mutex.RUnlock()

	if ctx.cert == nil {
		return nil, fmt.Errorf("no certificate loaded")
	}
	return ctx.cert, nil
}

// newEngine builds the TLS engine for sock, applying the verification
// options: an explicit option passed to SSLAccept resp. SSLConnect overrides
// the Context's default.
func (ctx *Context) newEngine(sock *SSLSocket) (Engine, error) {
	cfg, err := ctx.buildTLSConfig(sock, true)
	if err != nil {
		return nil, err
	}
	return newStdEngine(sock, ctx, cfg), nil
}

func (ctx *Context) buildTLSConfig(sock *SSLSocket, withSNIBridge bool) (*tls.Config, error) {
	ctx.mutex.RLock()
	defer ctx.mutex.RUnlock()

	effective := sock.verifyPeer
	if effective == VerifyUseCtx {
		effective = ctx.verifyPeer
	}
	if effective == VerifyUseCtx {
		if sock.server {
			effective = VerifyNone
		} else {
			effective = VerifyRequired
		}
	}

	cfg := &tls.Config{
		RootCAs:    ctx.rootCAs,
		NextProtos: append([]string(nil), ctx.nextProtos...),
	}

	if sock.server {
		if ctx.cert == nil {
			return nil, fmt.Errorf("no certificate loaded for server handshake")
		}
		cfg.GetCertificate = ctx.getCertificate
		cfg.ClientCAs = ctx.clientCAs

		// One stable ticket key per Context, so sessions resume across this
		// Context's connections.
		cfg.SetSessionTicketKeys([][32]byte{ctx.sessionTicketKey()})

		switch effective {
		case VerifyRequired:
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		case VerifyRequireClientCert:
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		default:
			cfg.ClientAuth = tls.NoClientCert
		}

		if withSNIBridge {
			cfg.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
				sock.serverName = chi.ServerName

				callback := ctx.sniCallbackSnapshot()
				if callback != nil {
					callback(sock, chi.ServerName)
				}

				if handshakeCtx := sock.handshakeCtx; handshakeCtx != nil && handshakeCtx != ctx {
					return handshakeCtx.buildTLSConfig(sock, false)
				}
				return nil, nil
			}
		}
	} else {
		cfg.ServerName = sock.serverName
		if ctx.cert != nil {
			cfg.Certificates = []tls.Certificate{*ctx.cert}
		}
		if effective == VerifyNone {
			cfg.InsecureSkipVerify = true
		}
		if ctx.sessionCache != nil {
			cfg.ClientSessionCache = ctx.sessionCache
		}
	}

	// Hand the certificate chain to the application's handshakeVerify.
	if effective == VerifyRequired || effective == VerifyRequireClientCert {
		if callback := sock.handshakeCallback; callback != nil {
			cfg.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
				if !callback.HandshakeVerify(sock, true, chains) {
					return fmt.Errorf("peer certificate rejected by handshake verify callback")
				}
				return nil
			}
		}
	}

	return cfg, nil
}

func (ctx *Context) sniCallbackSnapshot() ServerNameCallback {
	ctx.mutex.RLock()
	defer ctx.mutex.RUnlock()

	return ctx.sniCallback
}

func (ctx *Context) sessionTicketKey() [32]byte {
	ctx.ticketKeyOnce.Do(func() {
		if _, err := rand.Read(ctx.ticketKey[:]); err != nil {
			ctx.log().WithError(err).Error("Failed to generate a session ticket key")
		}
	})
	return ctx.ticketKey
}

// lruSessionCache adapts a bounded LRU cache onto tls.ClientSessionCache.
type lruSessionCache struct {
	cache *lru.Cache[string, *tls.ClientSessionState]
}

func newLruSessionCache(size int) (*lruSessionCache, error) {
	cache, err := lru.New[string, *tls.ClientSessionState](size)
	if err != nil {
		return nil, err
	}
	return &lruSessionCache{cache: cache}, nil
}

func (lsc *lruSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return lsc.cache.Get(sessionKey)
}

func (lsc *lruSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		lsc.cache.Remove(sessionKey)
		return
	}
	lsc.cache.Add(sessionKey, cs)
}
