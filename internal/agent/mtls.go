package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string `yaml:"server_cert"`
	ServerKey    string `yaml:"server_key"`
	ClientCACert string `yaml:"client_ca"`
	RequireAuth  bool   `yaml:"require_client_cert"`
}

// Enabled reports whether a certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// ConfigureTLS builds the server TLS config with optional client
// certificate verification.
func ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required when client certificates are required")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().
			Str("ca_cert", config.ClientCACert).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a client certificate when
// requireAuth is set and logs the authenticated subject.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")

			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS starts the server with TLS and optional mTLS. It
// returns nil after Shutdown.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("mtls_required", config.RequireAuth).
		Msg("Starting agent with TLS/mTLS")

	if err := s.srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
