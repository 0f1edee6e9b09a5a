package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pixelwar/crypto"
)

// Duration wraps time.Duration so it can be written as "5s" in both TOML and
// YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the client configuration.
type Config struct {
	Environment string          `toml:"environment" yaml:"environment"`
	Chain       ChainConfig     `toml:"chain" yaml:"chain"`
	Primary     KeyConfig       `toml:"primary" yaml:"primary"`
	Session     SessionConfig   `toml:"session" yaml:"session"`
	Sync        SyncConfig      `toml:"sync" yaml:"sync"`
	Journal     JournalConfig   `toml:"journal" yaml:"journal"`
	API         APIConfig       `toml:"api" yaml:"api"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry   TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// ChainConfig points the client at a ledger endpoint and game contract.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url" yaml:"rpc_url"`
	// WSURL is the subscription endpoint. Empty reuses RPCURL.
	WSURL           string   `toml:"ws_url" yaml:"ws_url"`
	Contract        string   `toml:"contract" yaml:"contract"`
	ExpectedChainID uint64   `toml:"expected_chain_id" yaml:"expected_chain_id"`
	GameID          uint64   `toml:"game_id" yaml:"game_id"`
	ReadRPS         float64  `toml:"read_rps" yaml:"read_rps"`
	ReadBurst       int      `toml:"read_burst" yaml:"read_burst"`
	ConfirmPoll     Duration `toml:"confirm_poll" yaml:"confirm_poll"`
}

// KeyConfig locates the primary credential. The first non-empty source wins:
// Key, KeyEnv, KeyFile, then Keystore.
type KeyConfig struct {
	Key           string `toml:"key" yaml:"key"`
	KeyEnv        string `toml:"key_env" yaml:"key_env"`
	KeyFile       string `toml:"key_file" yaml:"key_file"`
	Keystore      string `toml:"keystore" yaml:"keystore"`
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env"`
}

// SessionConfig tunes the delegated session credential. Amounts are decimal
// native units ("0.5").
type SessionConfig struct {
	Backend          string   `toml:"backend" yaml:"backend"`
	Dir              string   `toml:"dir" yaml:"dir"`
	ID               string   `toml:"id" yaml:"id"`
	MinBalance       string   `toml:"min_balance" yaml:"min_balance"`
	TopUpThreshold   string   `toml:"top_up_threshold" yaml:"top_up_threshold"`
	RefillAmount     string   `toml:"refill_amount" yaml:"refill_amount"`
	BalancePoll      Duration `toml:"balance_poll" yaml:"balance_poll"`
	TransferGas      uint64   `toml:"transfer_gas" yaml:"transfer_gas"`
	GasSafetyPercent uint64   `toml:"gas_safety_percent" yaml:"gas_safety_percent"`
	FallbackGasGwei  uint64   `toml:"fallback_gas_gwei" yaml:"fallback_gas_gwei"`
	FundTimeout      Duration `toml:"fund_timeout" yaml:"fund_timeout"`
}

// SyncConfig holds the timing of the background sync loops.
type SyncConfig struct {
	RecordPoll       Duration `toml:"record_poll" yaml:"record_poll"`
	Reconcile        Duration `toml:"reconcile" yaml:"reconcile"`
	ReconcileBatch   int      `toml:"reconcile_batch" yaml:"reconcile_batch"`
	ReconcilePause   Duration `toml:"reconcile_pause" yaml:"reconcile_pause"`
	FallbackInterval Duration `toml:"fallback_interval" yaml:"fallback_interval"`
	FallbackLookback uint64   `toml:"fallback_lookback" yaml:"fallback_lookback"`
	BackoffBase      Duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffCap       Duration `toml:"backoff_cap" yaml:"backoff_cap"`
	AutoFinalize     *bool    `toml:"auto_finalize" yaml:"auto_finalize"`
}

// JournalConfig selects the audit store. An empty DSN disables it.
type JournalConfig struct {
	DSN string `toml:"dsn" yaml:"dsn"`
}

// APIConfig configures the local presentation API.
type APIConfig struct {
	Listen       string  `toml:"listen" yaml:"listen"`
	JWTSecret    string  `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTSecretEnv string  `toml:"jwt_secret_env" yaml:"jwt_secret_env"`
	RateLimit    float64 `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst    int     `toml:"rate_burst" yaml:"rate_burst"`

	// AllowedOrigins lists host patterns allowed to open the stream from a
	// browser. Empty means same-origin only.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint string            `toml:"endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"insecure" yaml:"insecure"`
	Headers  map[string]string `toml:"headers" yaml:"headers"`
	Traces   bool              `toml:"traces" yaml:"traces"`
	Metrics  bool              `toml:"metrics" yaml:"metrics"`
}

// Load reads path as TOML when it ends in .toml and as YAML otherwise, then
// fills defaults, resolves the primary key and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path required")
	}
	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Primary.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.API.normalise(); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default filled in. The chain
// endpoint, contract and primary key are left for the operator.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Save writes cfg as TOML.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Chain.WSURL == "" {
		c.Chain.WSURL = c.Chain.RPCURL
	}
	if c.Chain.ReadRPS == 0 {
		c.Chain.ReadRPS = 20
	}
	if c.Chain.ReadBurst == 0 {
		c.Chain.ReadBurst = 10
	}
	if c.Chain.ConfirmPoll.Duration == 0 {
		c.Chain.ConfirmPoll.Duration = time.Second
	}

	s := &c.Session
	if s.Backend == "" {
		s.Backend = "bolt"
	}
	if s.Dir == "" {
		s.Dir = "./data/session"
	}
	if s.MinBalance == "" {
		s.MinBalance = "0.005"
	}
	if s.TopUpThreshold == "" {
		s.TopUpThreshold = "0.01"
	}
	if s.RefillAmount == "" {
		s.RefillAmount = "0.5"
	}
	if s.BalancePoll.Duration == 0 {
		s.BalancePoll.Duration = 5 * time.Second
	}
	if s.TransferGas == 0 {
		s.TransferGas = 21000
	}
	if s.GasSafetyPercent == 0 {
		s.GasSafetyPercent = 120
	}
	if s.FallbackGasGwei == 0 {
		s.FallbackGasGwei = 1
	}
	if s.FundTimeout.Duration == 0 {
		s.FundTimeout.Duration = 2 * time.Minute
	}

	y := &c.Sync
	if y.RecordPoll.Duration == 0 {
		y.RecordPoll.Duration = 8 * time.Second
	}
	if y.Reconcile.Duration == 0 {
		y.Reconcile.Duration = 30 * time.Second
	}
	if y.ReconcileBatch == 0 {
		y.ReconcileBatch = 10
	}
	if y.ReconcilePause.Duration == 0 {
		y.ReconcilePause.Duration = 100 * time.Millisecond
	}
	if y.FallbackInterval.Duration == 0 {
		y.FallbackInterval.Duration = 3 * time.Second
	}
	if y.FallbackLookback == 0 {
		y.FallbackLookback = 50
	}
	if y.BackoffBase.Duration == 0 {
		y.BackoffBase.Duration = 5 * time.Second
	}
	if y.BackoffCap.Duration == 0 {
		y.BackoffCap.Duration = 30 * time.Second
	}
	if y.AutoFinalize == nil {
		enabled := true
		y.AutoFinalize = &enabled
	}

	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8547"
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (k *KeyConfig) normalise() error {
	k.Key = strings.TrimSpace(k.Key)
	k.KeyEnv = strings.TrimSpace(k.KeyEnv)
	k.KeyFile = strings.TrimSpace(k.KeyFile)
	k.Keystore = strings.TrimSpace(k.Keystore)
	if k.Key != "" {
		return nil
	}
	switch {
	case k.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(k.KeyEnv))
		if value == "" {
			return fmt.Errorf("primary key_env %s is empty", k.KeyEnv)
		}
		k.Key = value
	case k.KeyFile != "":
		contents, err := os.ReadFile(k.KeyFile)
		if err != nil {
			return fmt.Errorf("read primary key_file: %w", err)
		}
		k.Key = strings.TrimSpace(string(contents))
	case k.Keystore != "":
		// unlocked later with a passphrase
	default:
		return errors.New("primary key is required (key, key_env, key_file or keystore)")
	}
	return nil
}

func (a *APIConfig) normalise() error {
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if a.JWTSecret == "" && strings.TrimSpace(a.JWTSecretEnv) != "" {
		value := strings.TrimSpace(os.Getenv(a.JWTSecretEnv))
		if value == "" {
			return fmt.Errorf("api jwt_secret_env %s is empty", a.JWTSecretEnv)
		}
		a.JWTSecret = value
	}
	return nil
}

// Wei converts a decimal amount of native units into wei.
func Wei(amount string) (*big.Int, error) {
	raw := strings.TrimSpace(amount)
	if raw == "" {
		return nil, errors.New("amount required")
	}
	r, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than 18 decimals", amount)
	}
	return new(big.Int).Set(r.Num()), nil
}

// Amounts returns the session balance thresholds in wei.
func (s SessionConfig) Amounts() (minBalance, threshold, refill *big.Int, err error) {
	if minBalance, err = Wei(s.MinBalance); err != nil {
		return nil, nil, nil, fmt.Errorf("session.min_balance: %w", err)
	}
	if threshold, err = Wei(s.TopUpThreshold); err != nil {
		return nil, nil, nil, fmt.Errorf("session.top_up_threshold: %w", err)
	}
	if refill, err = Wei(s.RefillAmount); err != nil {
		return nil, nil, nil, fmt.Errorf("session.refill_amount: %w", err)
	}
	return minBalance, threshold, refill, nil
}

// PrimaryKey decodes the primary credential. A keystore is unlocked with the
// passphrase returned by passphrase, which is only called when needed.
func (k KeyConfig) PrimaryKey(passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	if k.Key != "" {
		return crypto.PrivateKeyFromHex(k.Key)
	}
	if k.Keystore == "" {
		return nil, errors.New("primary key is not configured")
	}
	if passphrase == nil {
		return nil, errors.New("primary keystore requires a passphrase")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(k.Keystore, pass)
}
