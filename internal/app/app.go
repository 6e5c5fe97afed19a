// Package app wires the store, the sync engine and the HTTP surface
// into one runnable server process.
package app

import (
	"context"
	"net/http"

	"chatsync/internal/retention"
	"chatsync/pkg/config"
	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

type App struct {
	cfg     *config.Config
	st      *store.Store
	eng     *engine.Engine
	srv     *http.Server
	stopRet context.CancelFunc
}

// New opens the store and constructs the engine. Call Run to start
// serving and Close to tear down.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, st: st, eng: engine.New(st)}, nil
}

// Engine exposes the sync engine (used by tests and admin tooling).
func (a *App) Engine() *engine.Engine { return a.eng }

// Store exposes the document store.
func (a *App) Store() *store.Store { return a.st }

// Run starts the engine and serves HTTP until the server stops. It
// blocks; the returned error is the server's exit cause.
func (a *App) Run(ctx context.Context) error {
	a.eng.Start(ctx)

	cancelRet, err := retention.Start(ctx, a.cfg, a.st)
	if err != nil {
		return err
	}
	a.stopRet = cancelRet

	handler := a.buildHandler()
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: handler}
	logger.Info("server_listening", "addr", a.cfg.Addr(), "db", a.cfg.Storage.DBPath)

	cert := a.cfg.Server.TLS.CertFile
	key := a.cfg.Server.TLS.KeyFile
	if cert != "" && key != "" {
		return a.srv.ListenAndServeTLS(cert, key)
	}
	return a.srv.ListenAndServe()
}

// Close shuts everything down in dependency order: HTTP first, then the
// engine, then the store.
func (a *App) Close(ctx context.Context) {
	if a.srv != nil {
		_ = a.srv.Shutdown(ctx)
	}
	if a.stopRet != nil {
		a.stopRet()
	}
	a.eng.Close()
	if err := a.st.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}
