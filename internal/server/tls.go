package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	// MinVersion sets minimum TLS version (default: TLS 1.2)
	MinVersion string `json:"min_version"`
}

// Server wraps http.Server with TLS support
type Server struct {
	httpServer *http.Server
	tlsConfig  *TLSConfig
	logger     logrus.FieldLogger
}

// NewServer creates a new server with optional TLS support
func NewServer(addr string, handler http.Handler, tlsConfig *TLSConfig, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: the key event feed keeps connections open
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	if tlsConfig != nil && tlsConfig.Enabled {
		server.TLSConfig = &tls.Config{
			MinVersion: getTLSVersion(tlsConfig.MinVersion),
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
		}
	}

	return &Server{
		httpServer: server,
		tlsConfig:  tlsConfig,
		logger:     logger.WithField("component", "http"),
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	var err error
	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		if s.tlsConfig.CertFile == "" || s.tlsConfig.KeyFile == "" {
			return errors.New("TLS enabled without cert_file and key_file")
		}
		s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTPS server")
		err = s.httpServer.ListenAndServeTLS(s.tlsConfig.CertFile, s.tlsConfig.KeyFile)
	} else {
		s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
		err = s.httpServer.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// getTLSVersion converts string to tls.Version constant
func getTLSVersion(version string) uint16 {
	switch version {
	case "1.3", "TLS1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
