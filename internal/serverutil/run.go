// Package serverutil runs an http.Server with an optional TLS listener and
// graceful shutdown tied to a context.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig points at a PEM certificate and key. Both or neither must be set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

// Config controls a single Run.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	// OnListen is called with the bound address once the listener is open,
	// before Serve starts. Tests use it to learn the port picked for ":0".
	OnListen func(net.Addr)
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run listens on Server.Addr and serves until ctx is cancelled or the server
// fails. Cancellation triggers Server.Shutdown, which also runs the hooks
// registered through RegisterOnShutdown.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("http server shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	shutdownErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			shutdownErr = shutdownCtx.Err()
		}
	}
	if shutdownErr != nil {
		_ = cfg.Server.Close()
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	return nil
}

func listen(cfg Config) (net.Listener, error) {
	if !cfg.TLS.enabled() {
		return net.Listen("tcp", cfg.Server.Addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	cfg.Server.TLSConfig = tlsCfg

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}
