package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/build-cache-node/logger"
	"github.com/saiset-co/build-cache-node/types"
)

func writeCertificate(t *testing.T, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cache.test"},
		DNSNames:     []string{"cache.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certFile, keyFile
}

func newTestManager(t *testing.T, config *types.TLSConfig) *CertManager {
	t.Helper()

	manager, err := NewCertManager(context.Background(), logger.NewNop(), config)
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() { _ = manager.Stop() })

	return manager
}

func TestCertManager_ServesTLS12AndAbove(t *testing.T) {
	certFile, keyFile := writeCertificate(t, time.Now().Add(90*24*time.Hour))
	manager := newTestManager(t, &types.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})

	ln, err := manager.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, conn.ConnectionState().Version, uint16(tls.VersionTLS12))
	_ = conn.Close()

	_, err = tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		MaxVersion:         tls.VersionTLS11,
	})
	assert.Error(t, err)

	status := manager.GetCertificateStatus()
	require.Contains(t, status, "cache.test")
	assert.Equal(t, "valid", status["cache.test"].Status)
}

func TestCertManager_ExpiringCertificate(t *testing.T) {
	certFile, keyFile := writeCertificate(t, time.Now().Add(10*24*time.Hour))
	manager := newTestManager(t, &types.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})

	_, err := manager.GetTLSConfig()
	require.NoError(t, err)
	assert.Equal(t, "expiring_soon", manager.GetCertificateStatus()["cache.test"].Status)
}

func TestCertManager_Errors(t *testing.T) {
	manager, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{Enabled: true})
	require.NoError(t, err)

	_, err = manager.Serve("127.0.0.1:0")
	assert.ErrorIs(t, err, types.ErrServerNotRunning)

	require.NoError(t, manager.Start())
	defer manager.Stop()

	_, err = manager.GetTLSConfig()
	assert.ErrorIs(t, err, types.ErrTLSCertMissing)

	_, err = NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{Enabled: true, AutoCert: true})
	assert.ErrorIs(t, err, types.ErrTLSNoDomains)
}
