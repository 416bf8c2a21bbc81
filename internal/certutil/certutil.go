// Package certutil loads operator-provided TLS material for the relay
// listener. EphemeralRooms never generates its own certificates: message
// confidentiality comes from the end-to-end layer (internal/frame), so the
// relay's TLS is ordinary transport-layer hygiene, provisioned the same way
// any HTTPS service would be.
package certutil

import (
	"crypto/tls"
	"fmt"
)

// LoadServerTLSConfig loads a certificate/key pair for the relay's listener.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
