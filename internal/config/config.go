// Package config loads and validates the daemon configuration. Values
// come from kreeld.yaml plus KREEL_-prefixed environment overrides; the
// init subcommand writes the default file for editing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ecolom-kz/kreel-core/internal/market/rules"
)

// Config is the complete daemon configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`
	Chain  ChainConfig  `mapstructure:"chain" yaml:"chain"`

	Assets   []AssetConfig   `mapstructure:"assets" yaml:"assets" validate:"min=1,dive"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts" validate:"dive"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type StreamConfig struct {
	Backend string   `mapstructure:"backend" yaml:"backend" validate:"oneof=none kafka redis"`
	Channel string   `mapstructure:"channel" yaml:"channel"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers" validate:"required_if=Backend kafka"`
	Redis   string   `mapstructure:"redis" yaml:"redis" validate:"required_if=Backend redis"`
}

// ChainConfig drives block cadence and the rule revision schedule.
// Revisions maps revision name to an RFC3339 activation time or the
// word "never"; a revision missing from the map is active from genesis.
type ChainConfig struct {
	BlockInterval time.Duration     `mapstructure:"block_interval" yaml:"block_interval" validate:"min=100ms"`
	Revisions     map[string]string `mapstructure:"revisions" yaml:"revisions"`
}

type AssetConfig struct {
	Symbol           string          `mapstructure:"symbol" yaml:"symbol" validate:"required,uppercase,max=16"`
	Precision        uint8           `mapstructure:"precision" yaml:"precision" validate:"max=12"`
	MarketFeePercent uint16          `mapstructure:"market_fee_percent" yaml:"market_fee_percent" validate:"max=10000"`
	Bitasset         *BitassetConfig `mapstructure:"bitasset" yaml:"bitasset,omitempty"`
}

type BitassetConfig struct {
	Backing       string   `mapstructure:"backing" yaml:"backing" validate:"required"`
	FeedProducers []string `mapstructure:"feed_producers" yaml:"feed_producers" validate:"min=1"`

	FeedLifetime         time.Duration `mapstructure:"feed_lifetime" yaml:"feed_lifetime" validate:"min=1m"`
	MinimumFeeds         int           `mapstructure:"minimum_feeds" yaml:"minimum_feeds" validate:"min=1"`
	ForceSettleDelay     time.Duration `mapstructure:"force_settle_delay" yaml:"force_settle_delay" validate:"min=0"`
	ForceSettleOffset    uint16        `mapstructure:"force_settle_offset" yaml:"force_settle_offset" validate:"max=10000"`
	MaxForceSettleVolume uint16        `mapstructure:"max_force_settle_volume" yaml:"max_force_settle_volume" validate:"max=10000"`
	MarginCallFeeRatio   uint16        `mapstructure:"margin_call_fee_ratio" yaml:"margin_call_fee_ratio" validate:"max=10000"`
}

// AccountConfig seeds the in-memory ledger. Balances are raw integer
// amounts keyed by asset symbol.
type AccountConfig struct {
	ID       string           `mapstructure:"id" yaml:"id" validate:"required"`
	Balances map[string]int64 `mapstructure:"balances" yaml:"balances" validate:"dive,min=0"`
}

// Default is the configuration `kreeld init` writes: one core asset, one
// stablecoin against it, a single feed producer and every rule revision
// active.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8480"},
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Driver: "sqlite", DSN: "kreel.db"},
		Stream: StreamConfig{Backend: "none", Channel: "kreel.events"},
		Chain: ChainConfig{
			BlockInterval: 3 * time.Second,
			Revisions:     map[string]string{},
		},
		Assets: []AssetConfig{
			{Symbol: "CORE", Precision: 5},
			{
				Symbol:    "USDK",
				Precision: 4,
				Bitasset: &BitassetConfig{
					Backing:              "CORE",
					FeedProducers:        []string{"feeder"},
					FeedLifetime:         24 * time.Hour,
					MinimumFeeds:         1,
					ForceSettleDelay:     24 * time.Hour,
					MaxForceSettleVolume: 2000,
				},
			},
		},
		Accounts: []AccountConfig{
			{ID: "treasury", Balances: map[string]int64{"CORE": 10_000_000_000}},
		},
	}
}

// Load reads kreeld.yaml from the given paths (falling back to the
// defaults when no file exists), applies environment overrides, and
// validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("kreeld")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("KREEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file: run on the built-in defaults.
	} else {
		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8480")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "kreel.db")
	v.SetDefault("stream.backend", "none")
	v.SetDefault("stream.channel", "kreel.events")
	v.SetDefault("chain.block_interval", 3*time.Second)
}

// Validate checks structural constraints plus the cross-references the
// tags cannot express: bitasset backing symbols, account balance assets
// and revision names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	symbols := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if symbols[a.Symbol] {
			return fmt.Errorf("invalid config: duplicate asset %q", a.Symbol)
		}
		symbols[a.Symbol] = true
	}
	for _, a := range c.Assets {
		if a.Bitasset == nil {
			continue
		}
		if !symbols[a.Bitasset.Backing] {
			return fmt.Errorf("invalid config: %s backing asset %q not declared",
				a.Symbol, a.Bitasset.Backing)
		}
		if a.Bitasset.Backing == a.Symbol {
			return fmt.Errorf("invalid config: %s cannot back itself", a.Symbol)
		}
	}
	for _, acct := range c.Accounts {
		for sym := range acct.Balances {
			if !symbols[sym] {
				return fmt.Errorf("invalid config: account %s holds undeclared asset %q",
					acct.ID, sym)
			}
		}
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	return nil
}

// Schedule builds the rule revision schedule. Unlisted revisions are
// active from genesis; "never" keeps one permanently off.
func (c *Config) Schedule() (rules.Schedule, error) {
	byName := make(map[string]rules.Revision)
	for _, r := range rules.Revisions() {
		byName[r.String()] = r
	}

	sched := rules.Schedule{}
	for name, val := range c.Chain.Revisions {
		rev, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("invalid config: unknown revision %q", name)
		}
		if strings.EqualFold(val, "never") {
			sched[rev] = rules.Never
			continue
		}
		at, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil, fmt.Errorf("invalid config: revision %s activation %q: %w",
				name, val, err)
		}
		sched[rev] = at.UTC()
	}
	return sched, nil
}

// WriteDefault writes the default configuration as YAML, refusing to
// clobber an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
