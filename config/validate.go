package config

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"pixelwar/crypto"
)

func validateConfig(cfg *Config) error {
	if cfg.Chain.RPCURL == "" {
		return errors.New("chain.rpc_url is required")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain.contract %q is not a hex address", cfg.Chain.Contract)
	}
	if cfg.Chain.ReadRPS < 0 || cfg.Chain.ReadBurst < 0 {
		return errors.New("chain read limits must not be negative")
	}
	for name, d := range map[string]Duration{
		"chain.confirm_poll":     cfg.Chain.ConfirmPoll,
		"session.balance_poll":   cfg.Session.BalancePoll,
		"sync.record_poll":       cfg.Sync.RecordPoll,
		"sync.reconcile":         cfg.Sync.Reconcile,
		"sync.reconcile_pause":   cfg.Sync.ReconcilePause,
		"sync.fallback_interval": cfg.Sync.FallbackInterval,
		"sync.backoff_base":      cfg.Sync.BackoffBase,
		"sync.backoff_cap":       cfg.Sync.BackoffCap,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Sync.BackoffCap.Duration < cfg.Sync.BackoffBase.Duration {
		return errors.New("sync.backoff_cap must not be below sync.backoff_base")
	}
	if cfg.Sync.ReconcileBatch <= 0 {
		return errors.New("sync.reconcile_batch must be positive")
	}
	if cfg.Session.GasSafetyPercent < 100 {
		return errors.New("session.gas_safety_percent must be at least 100")
	}
	switch cfg.Session.Backend {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("session.backend %q must be memory, leveldb or bolt", cfg.Session.Backend)
	}
	minBalance, threshold, refill, err := cfg.Session.Amounts()
	if err != nil {
		return err
	}
	if threshold.Cmp(minBalance) < 0 {
		return errors.New("session.top_up_threshold must not be below session.min_balance")
	}
	if refill.Sign() == 0 {
		return errors.New("session.refill_amount must be positive")
	}
	if cfg.API.RateLimit < 0 || cfg.API.RateBurst < 0 {
		return errors.New("api rate limits must not be negative")
	}
	if cfg.Primary.Key != "" {
		if _, err := crypto.PrivateKeyFromHex(cfg.Primary.Key); err != nil {
			return fmt.Errorf("primary key: %w", err)
		}
	}
	return nil
}
