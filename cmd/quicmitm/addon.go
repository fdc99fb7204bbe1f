package main

import (
	"crypto/tls"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/quicmitm/quicmitm/engine"
	"github.com/quicmitm/quicmitm/proxy"
)

// tlsConfigAddon is the built-in TLS policy: one static certificate for
// every client-facing handshake and unverified TLS towards the upstream.
// Deployments that mint per-SNI certificates replace it with their own
// addon.
type tlsConfigAddon struct {
	proxy.BaseAddon
	cert tls.Certificate
}

func newTLSConfigAddon(certPath, keyPath string) (*tlsConfigAddon, error) {
	if certPath == "" || keyPath == "" {
		return nil, errors.New("both --cert and --key are required")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing X509 key pair")
	}
	return &tlsConfigAddon{cert: cert}, nil
}

func (a *tlsConfigAddon) QuicTlsStartClient(data *proxy.TlsData) {
	data.Settings = &engine.TLSSettings{
		Certificate: a.cert,
	}
}

func (a *tlsConfigAddon) QuicTlsStartServer(data *proxy.TlsData) {
	data.Settings = &engine.TLSSettings{
		Verify: engine.VerifyNone,
	}
}

// secretsSink serializes SSLKEYLOGFILE lines to a file.
type secretsSink struct {
	mu   sync.Mutex
	file *os.File
}

func newSecretsSink(path string) (*secretsSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open secrets log file")
	}
	return &secretsSink{file: file}, nil
}

func (s *secretsSink) Log(_ string, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.file.Write(append(line, '\n'))
}

func (s *secretsSink) Close() error {
	return s.file.Close()
}
