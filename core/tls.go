package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	sslCertFile = "rpc_ssl.crt"
	sslKeyFile  = "rpc_ssl.key"
)

// tlsRecordHandshake is the first byte of a TLS ClientHello; a plaintext
// levin stream starts with the protocol signature instead.
const tlsRecordHandshake = 0x16

// loadOrCreateServerTLS returns the server TLS config, reusing the
// persisted key pair under dataDir or generating a self-signed one and
// writing it out for the next start.
func loadOrCreateServerTLS(dataDir string) (*tls.Config, error) {
	certPath := filepath.Join(dataDir, sslCertFile)
	keyPath := filepath.Join(dataDir, sslKeyFile)

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}

	certPEM, keyPEM, err := generateSelfSigned()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return nil, fmt.Errorf("persist certificate: %w", err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return nil, fmt.Errorf("persist key: %w", err)
		}
		logrus.Infof("net: generated tls key pair at %s", certPath)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "veilnet"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// peekedConn replays bytes consumed during protocol detection before
// handing reads back to the wrapped socket.
type peekedConn struct {
	net.Conn
	pre []byte
}

func (p *peekedConn) Read(b []byte) (int, error) {
	if len(p.pre) > 0 {
		n := copy(b, p.pre)
		p.pre = p.pre[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// detectTLSClientHello reads the first byte of a fresh inbound socket to
// decide whether the peer is starting a TLS handshake. The byte is pushed
// back onto the returned connection either way.
func detectTLSClientHello(raw net.Conn) (net.Conn, bool, error) {
	_ = raw.SetReadDeadline(time.Now().Add(10 * time.Second))
	var first [1]byte
	if _, err := raw.Read(first[:]); err != nil {
		return nil, false, err
	}
	_ = raw.SetReadDeadline(time.Time{})
	return &peekedConn{Conn: raw, pre: first[:]}, first[0] == tlsRecordHandshake, nil
}
