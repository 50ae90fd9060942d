package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/build-cache-node/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// CertManager terminates TLS for the cache endpoint, either from a
// certificate and key on disk or with ACME autocert.
type CertManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.TLSConfig
	autocertMgr     *autocert.Manager
	renewalTicker   *time.Ticker
	stopCh          chan struct{}
	mu              sync.RWMutex
	certificates    map[string]*tls.Certificate
	state           atomic.Value
	renewalInterval time.Duration
}

func NewCertManager(ctx context.Context, logger types.Logger, config *types.TLSConfig) (*CertManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		stopCh:          make(chan struct{}),
		certificates:    make(map[string]*tls.Certificate),
		renewalInterval: 12 * time.Hour,
	}

	cm.state.Store(StateStopped)

	if config.AutoCert {
		if err := cm.initializeAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
	}

	return cm, nil
}

// Serve binds a TLS listener on addr. Binding happens synchronously so
// callers see address and certificate errors immediately.
func (cm *CertManager) Serve(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServerNotRunning
	}

	tlsConfig, err := cm.GetTLSConfig()
	if err != nil {
		return nil, err
	}

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, types.Errorf(types.ErrServerStartFailed, "tls listen %s: %v", addr, err)
	}

	return ln, nil
}

func (cm *CertManager) GetTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
		NextProtos:   []string{"http/1.1"},
	}

	if cm.autocertMgr != nil {
		tlsConfig.GetCertificate = cm.wrapCertificateLookup(cm.autocertMgr.GetCertificate)
		tlsConfig.NextProtos = append(tlsConfig.NextProtos, acme.ALPNProto)
		return tlsConfig, nil
	}

	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return nil, types.ErrTLSCertMissing
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return nil, types.WrapError(err, "failed to load certificate files")
	}

	leaf, err := cm.validateCertificate(cert)
	if err != nil {
		return nil, types.WrapError(err, "failed to validate certificate")
	}

	cm.mu.Lock()
	cm.certificates[leaf.Subject.CommonName] = &cert
	cm.mu.Unlock()

	tlsConfig.Certificates = []tls.Certificate{cert}
	return tlsConfig, nil
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if cm.config.AutoCert {
		ctx, cancel := context.WithTimeout(cm.ctx, 30*time.Second)
		defer cancel()

		g, gCtx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}
			cm.preloadCertificates()
			return nil
		})

		if err := g.Wait(); err != nil {
			cm.setState(StateStopped)
			return types.WrapError(err, "failed to start certificate manager")
		}

		cm.startRenewalMonitor()
	}

	cm.setState(StateRunning)

	cm.logger.Info("TLS certificate manager started",
		zap.Bool("autocert", cm.config.AutoCert),
		zap.Strings("domains", cm.config.Domains))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.setState(StateStopped)
		cm.cancel()
	}()

	close(cm.stopCh)
	if cm.renewalTicker != nil {
		cm.renewalTicker.Stop()
	}

	cm.logger.Info("TLS certificate manager stopped")
	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *CertManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *CertManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *CertManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}

func (cm *CertManager) validateCertificate(cert tls.Certificate) (*x509.Certificate, error) {
	if len(cert.Certificate) == 0 {
		return nil, types.NewErrorf("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, types.WrapError(err, "failed to parse certificate")
	}

	now := time.Now()
	if now.Before(x509Cert.NotBefore) {
		return nil, types.NewErrorf("certificate not valid before %s", x509Cert.NotBefore)
	}
	if now.After(x509Cert.NotAfter) {
		return nil, types.NewErrorf("certificate expired at %s", x509Cert.NotAfter)
	}

	return x509Cert, nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.ErrTLSNoDomains
	}

	for _, domain := range cm.config.Domains {
		if domain == "" {
			return types.Errorf(types.ErrInvalidParameter, "empty domain name")
		}
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}

	if cm.config.ACMEDirectory != "" {
		cm.autocertMgr.Client = &acme.Client{
			DirectoryURL: cm.config.ACMEDirectory,
		}
	}

	return nil
}

func (cm *CertManager) wrapCertificateLookup(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := getCert(hello)
		if err != nil {
			cm.logger.Error("Failed to get certificate",
				zap.String("server_name", hello.ServerName),
				zap.Error(err))
			return nil, err
		}
		return cert, nil
	}
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, 60*time.Second)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range cm.config.Domains {
		d := domain
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: d})
			if err != nil {
				cm.logger.Warn("Failed to preload certificate", zap.String("domain", d), zap.Error(err))
				return nil
			}

			cm.mu.Lock()
			cm.certificates[d] = cert
			cm.mu.Unlock()

			cm.logger.Info("Certificate preloaded", zap.String("domain", d))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cm.logger.Warn("Certificate preloading interrupted", zap.Error(err))
	}
}

func (cm *CertManager) startRenewalMonitor() {
	cm.renewalTicker = time.NewTicker(cm.renewalInterval)

	go func() {
		for {
			select {
			case <-cm.renewalTicker.C:
				cm.checkCertificateRenewal()
			case <-cm.stopCh:
				return
			case <-cm.ctx.Done():
				return
			}
		}
	}()
}

func (cm *CertManager) checkCertificateRenewal() {
	if !cm.IsRunning() {
		return
	}

	for domain, status := range cm.GetCertificateStatus() {
		if status.Status == "valid" {
			continue
		}

		cm.logger.Info("Certificate renewal required",
			zap.String("domain", domain),
			zap.Time("expires_at", status.NotAfter))

		cert, err := cm.autocertMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		if err != nil {
			cm.logger.Error("Failed to renew certificate", zap.String("domain", domain), zap.Error(err))
			continue
		}

		cm.mu.Lock()
		cm.certificates[domain] = cert
		cm.mu.Unlock()
	}
}

func (cm *CertManager) GetCertificateStatus() map[string]types.CertificateStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := make(map[string]types.CertificateStatus, len(cm.certificates))

	for domain, cert := range cm.certificates {
		if len(cert.Certificate) == 0 {
			status[domain] = types.CertificateStatus{Domain: domain, Status: "error", Error: "no certificate data"}
			continue
		}

		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			status[domain] = types.CertificateStatus{Domain: domain, Status: "error", Error: err.Error()}
			continue
		}

		certStatus := "valid"
		daysUntilExpiry := int(time.Until(x509Cert.NotAfter).Hours() / 24)

		if daysUntilExpiry <= 0 {
			certStatus = "expired"
		} else if daysUntilExpiry <= 30 {
			certStatus = "expiring_soon"
		}

		status[domain] = types.CertificateStatus{
			Domain:          domain,
			Status:          certStatus,
			Issuer:          x509Cert.Issuer.String(),
			Subject:         x509Cert.Subject.String(),
			NotBefore:       x509Cert.NotBefore,
			NotAfter:        x509Cert.NotAfter,
			DaysUntilExpiry: daysUntilExpiry,
		}
	}

	return status
}
