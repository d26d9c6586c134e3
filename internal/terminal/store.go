// Package terminal keeps per-device provisioning state in redis: revision,
// merchant/terminal identifiers, scheme limits and the rolling counters the
// processor protocol needs (stan, batch number).
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"termgate/internal/domain"
)

var ErrNotFound = errors.New("terminal config not found")

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(serial string) string {
	return "xterminal:" + serial
}

// Config loads the stored configuration for a terminal serial number.
func (s *Store) Config(ctx context.Context, serial string) (domain.TerminalConfig, error) {
	var cfg domain.TerminalConfig
	fields, err := s.rdb.HGetAll(ctx, key(serial)).Result()
	if err != nil {
		return cfg, fmt.Errorf("terminal %s: %w", serial, err)
	}
	if len(fields) == 0 {
		return cfg, ErrNotFound
	}
	cfg.RevisionID = fields["revision_id"]
	cfg.MerchantID = fields["merchant_id"]
	cfg.TerminalID = fields["terminal_id"]
	cfg.AlphaCode = fields["alpha_code"]
	if cfg.Stan, err = parseInt(fields, "stan"); err != nil {
		return cfg, fmt.Errorf("terminal %s: %w", serial, err)
	}
	if cfg.BatchNo, err = parseInt(fields, "batch_no"); err != nil {
		return cfg, fmt.Errorf("terminal %s: %w", serial, err)
	}
	if cfg.QRPH, err = parseLimits(fields, "qrph"); err != nil {
		return cfg, fmt.Errorf("terminal %s: %w", serial, err)
	}
	if cfg.Card, err = parseLimits(fields, "card"); err != nil {
		return cfg, fmt.Errorf("terminal %s: %w", serial, err)
	}
	return cfg, nil
}

// SaveConfig writes the full configuration hash. Counters are written as-is;
// use IncrementStan for the per-payment bump.
func (s *Store) SaveConfig(ctx context.Context, serial string, cfg domain.TerminalConfig) error {
	fields := map[string]any{
		"revision_id":  cfg.RevisionID,
		"merchant_id":  cfg.MerchantID,
		"terminal_id":  cfg.TerminalID,
		"alpha_code":   cfg.AlphaCode,
		"stan":         cfg.Stan,
		"batch_no":     cfg.BatchNo,
		"qrph_enabled": strconv.FormatBool(cfg.QRPH.Enabled),
		"qrph_min":     cfg.QRPH.MinimumAmount.String(),
		"qrph_max":     cfg.QRPH.MaximumAmount.String(),
		"card_enabled": strconv.FormatBool(cfg.Card.Enabled),
		"card_min":     cfg.Card.MinimumAmount.String(),
		"card_max":     cfg.Card.MaximumAmount.String(),
	}
	if err := s.rdb.HSet(ctx, key(serial), fields).Err(); err != nil {
		return fmt.Errorf("terminal %s: save config: %w", serial, err)
	}
	return nil
}

// IncrementStan atomically bumps the terminal's system trace audit number and
// returns the new value. Concurrent payments on the same terminal each get a
// distinct trace number.
func (s *Store) IncrementStan(ctx context.Context, serial string) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, key(serial), "stan", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("terminal %s: increment stan: %w", serial, err)
	}
	return n, nil
}

// Delete drops the terminal hash. Used when a device is decommissioned.
func (s *Store) Delete(ctx context.Context, serial string) error {
	return s.rdb.Del(ctx, key(serial)).Err()
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, raw)
	}
	return n, nil
}

func parseLimits(fields map[string]string, prefix string) (domain.SchemeLimits, error) {
	var l domain.SchemeLimits
	l.Enabled = fields[prefix+"_enabled"] == "true"
	var err error
	if raw := fields[prefix+"_min"]; raw != "" {
		if l.MinimumAmount, err = decimal.NewFromString(raw); err != nil {
			return l, fmt.Errorf("bad %s_min %q", prefix, raw)
		}
	}
	if raw := fields[prefix+"_max"]; raw != "" {
		if l.MaximumAmount, err = decimal.NewFromString(raw); err != nil {
			return l, fmt.Errorf("bad %s_max %q", prefix, raw)
		}
	}
	return l, nil
}
