package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/validation"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	// flags win over env/config when set explicitly
	if setFlags["addr"] {
		cfg.Server.Address, cfg.Server.Port = splitAddr(addrVal)
	}
	if setFlags["db"] {
		cfg.Storage.DBPath = dbVal
	}

	logger.Init(cfg.Logging.Level)
	logger.Info("starting", "addr", cfg.Addr(), "db", cfg.Storage.DBPath, "env_overrides", envUsed)

	vr := validation.Rules{Required: []string{"_id", "date", "text"}}
	if cfg.Validation.MaxTextLen > 0 {
		vr.MaxTextLen = cfg.Validation.MaxTextLen
	}
	if len(cfg.Validation.Required) > 0 {
		vr.Required = append([]string{}, cfg.Validation.Required...)
	}
	validation.SetRules(vr)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to open store at %s: %v", cfg.Storage.DBPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		a.Close(shutdownCtx)
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
