// Package pprofutil serves net/http/pprof for a running daemon when the
// OPENGRID_PPROF environment variable asks for it.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAddr = "127.0.0.1:6061"

	envEnable      = "OPENGRID_PPROF"
	envAddr        = "OPENGRID_PPROF_ADDR"
	envAllowPublic = "OPENGRID_PPROF_ALLOW_PUBLIC"
)

// Start serves the profiling endpoints until ctx ends. It returns the bound
// address, or "" when profiling is not enabled. A non-loopback address is
// refused unless OPENGRID_PPROF_ALLOW_PUBLIC=1.
func Start(ctx context.Context, log *zap.Logger) (string, error) {
	if strings.TrimSpace(os.Getenv(envEnable)) != "1" {
		return "", nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	addr := strings.TrimSpace(os.Getenv(envAddr))
	if addr == "" {
		addr = defaultAddr
	}
	if strings.TrimSpace(os.Getenv(envAllowPublic)) != "1" && !isLoopbackBind(addr) {
		return "", fmt.Errorf("%s must be loopback unless %s=1: %s", envAddr, envAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen: %w", err)
	}
	srv := &http.Server{
		Handler:           mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	bound := ln.Addr().String()
	log.Info("pprof enabled", zap.String("url", "http://"+bound+"/debug/pprof/"))
	return bound, nil
}

func mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/debug/pprof/", pprof.Index)
	m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return m
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
