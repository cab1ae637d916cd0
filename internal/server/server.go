// Package server runs an HTTP server for the scratch registry, shutting it
// down when the given context is cancelled.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apparentlymart/ocicopy/internal/config"
	"github.com/apparentlymart/ocicopy/internal/logging"
)

// DefaultListenAddr is used when the configuration doesn't specify one.
const DefaultListenAddr = "127.0.0.1:5000"

const shutdownTimeout = 10 * time.Second

// Run listens on the configured address and serves handler until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Server, handler http.Handler) error {
	addr := DefaultListenAddr
	if cfg != nil && cfg.ListenAddr != "" {
		addr = cfg.ListenAddr
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, l, cfg, handler)
}

// Serve is like [Run] but uses a listener the caller already created. It
// closes the listener before returning.
func Serve(ctx context.Context, l net.Listener, cfg *config.Server, handler http.Handler) error {
	logger := logging.ContextLogger(ctx)

	httpServer := &http.Server{
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			ctx = context.WithValue(ctx, remoteAddrContextKey, c.RemoteAddr())
			return logging.ContextWithFields(ctx, logrus.Fields{
				"remote": c.RemoteAddr().String(),
			})
		},
	}

	if cfg != nil && cfg.TLS != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cfg.TLS.Certificate},
		}
		l = tls.NewListener(l, httpServer.TLSConfig)
		logger.Infof("HTTPS server listening on %s", l.Addr())
	} else {
		logger.Infof("HTTP server listening on %s", l.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(l)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RemoteAddr returns the address of the client whose request the given
// context belongs to, or nil if it isn't a request context.
func RemoteAddr(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(remoteAddrContextKey).(net.Addr)
	return addr
}

type contextKey string

const remoteAddrContextKey = contextKey("remoteAddr")
