package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"pixelwar/cmd/internal/passphrase"
	"pixelwar/config"
	"pixelwar/engine"
	"pixelwar/observability/logging"
)

const serviceName = "pixelwar"

// commonFlags are shared by every command that talks to the ledger.
type commonFlags struct {
	configPath string
	gameID     uint64
}

func (c *commonFlags) register(fs *flag.FlagSet, withGame bool) {
	fs.StringVar(&c.configPath, "config", envOr("PIXELWAR_CONFIG", "pixelwar.toml"), "path to the client configuration (TOML or YAML)")
	if withGame {
		fs.Uint64Var(&c.gameID, "game", 0, "record id (defaults to chain.game_id)")
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// session bundles what a command needs after loading configuration.
type session struct {
	cfg     *config.Config
	rt      *engine.Runtime
	logger  *slog.Logger
	gameID  uint64
	cleanup func()
}

func (s *session) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func openSession(ctx context.Context, flags commonFlags) (*session, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	source := passphrase.NewSource(cfg.Primary.PassphraseEnv)
	key, err := cfg.Primary.PrimaryKey(source.Get)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	rt, err := engine.Open(ctx, cfg, key, logger)
	if err != nil {
		return nil, err
	}
	gameID := flags.gameID
	if gameID == 0 {
		gameID = cfg.Chain.GameID
	}
	logger.Debug("runtime ready",
		slog.String("primary", rt.Primary.Address().Hex()),
		slog.String("contract", cfg.Chain.Contract),
		logging.MaskField("primary_key", cfg.Primary.Key))
	return &session{
		cfg:    cfg,
		rt:     rt,
		logger: logger,
		gameID: gameID,
		cleanup: func() {
			if err := rt.Close(); err != nil {
				logger.Warn("close runtime", slog.String("error", err.Error()))
			}
		},
	}, nil
}

func (s *session) requireGame() error {
	if s.gameID == 0 {
		return errors.New("record id required: pass -game or set chain.game_id")
	}
	return nil
}

// checkedWrite verifies the network before any write.
func (s *session) checkedWrite(ctx context.Context) error {
	return s.rt.CheckNetwork(ctx)
}

// setupSession funds and registers the session credential. Failures are
// logged and never undo the preceding create or join.
func (s *session) setupSession(ctx context.Context, gameID uint64, stdout io.Writer) {
	eng, err := s.rt.Engine(gameID)
	if err != nil {
		s.logger.Warn("session setup skipped", slog.String("error", err.Error()))
		return
	}
	addr, err := eng.SessionSetup(ctx)
	if err != nil {
		s.logger.Warn("session setup failed", slog.String("error", err.Error()))
		fmt.Fprintln(stdout, "Session setup failed; run `pixelwar fund` and retry later.")
		return
	}
	fmt.Fprintf(stdout, "Session key %s funded and registered\n", addr.Hex())
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
