package dashboardd

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"lendingdash/chain"
	"lendingdash/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := value.Value
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

// Config captures the runtime configuration for dashboardd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Chain         ChainConfig   `yaml:"chain"`
	Signer        SignerConfig  `yaml:"signer"`
	TxFlow        TxFlowConfig  `yaml:"txflow"`
	Feed          FeedConfig    `yaml:"feed"`
	Journal       JournalConfig `yaml:"journal"`
	API           APIConfig     `yaml:"api"`
	Log           LogConfig     `yaml:"log"`
}

// ChainConfig points at the EVM node and the deployed contracts.
type ChainConfig struct {
	RPC           string `yaml:"rpc"`
	ChainID       int64  `yaml:"chain_id"`
	Confirmations uint64 `yaml:"confirmations"`
	GasMarginPct  uint64 `yaml:"gas_margin_pct"`
	Pool          string `yaml:"pool"`
	USDC          string `yaml:"usdc"`
	WETH          string `yaml:"weth"`
}

// SignerConfig locates the liquidator key. Either a keystore file with a
// passphrase or a raw hex key from the environment is accepted.
type SignerConfig struct {
	Keystore       string `yaml:"keystore"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
}

// TxFlowConfig tunes settlement polling.
type TxFlowConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	SettleTimeout Duration `yaml:"settle_timeout"`
}

// FeedConfig configures the candidate indexer.
type FeedConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	APIKey    string   `yaml:"api_key"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Interval  Duration `yaml:"interval"`
	Timeout   Duration `yaml:"timeout"`
}

// JournalConfig locates the transaction journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// APIConfig secures and throttles the HTTP API.
type APIConfig struct {
	BearerToken       string  `yaml:"bearer_token"`
	BearerTokenFile   string  `yaml:"bearer_token_file"`
	MutationsPerMin   float64 `yaml:"mutations_per_minute"`
	MutationBurst     int     `yaml:"mutation_burst"`
	NotificationQueue int     `yaml:"notifications"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// Options converts the section for logging.Setup.
func (l LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxAgeDays: l.MaxAgeDays,
		MaxBackups: l.MaxBackups,
	}
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Feed.normalise(); err != nil {
		return cfg, fmt.Errorf("feed: %w", err)
	}
	if err := cfg.API.normalise(); err != nil {
		return cfg, fmt.Errorf("api: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.GasMarginPct == 0 {
		cfg.Chain.GasMarginPct = 20
	}
	if cfg.TxFlow.PollInterval.Duration == 0 {
		cfg.TxFlow.PollInterval.Duration = 3 * time.Second
	}
	if cfg.TxFlow.SettleTimeout.Duration == 0 {
		cfg.TxFlow.SettleTimeout.Duration = 5 * time.Minute
	}
	if cfg.Feed.Interval.Duration == 0 {
		cfg.Feed.Interval.Duration = 15 * time.Second
	}
	if cfg.Feed.Timeout.Duration == 0 {
		cfg.Feed.Timeout.Duration = 10 * time.Second
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "dashboardd.db"
	}
	if cfg.API.MutationsPerMin <= 0 {
		cfg.API.MutationsPerMin = 30
	}
	if cfg.API.MutationBurst <= 0 {
		cfg.API.MutationBurst = 5
	}
	if cfg.API.NotificationQueue <= 0 {
		cfg.API.NotificationQueue = 128
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPC) == "" {
		return fmt.Errorf("chain rpc must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if _, err := cfg.Chain.Contracts(); err != nil {
		return err
	}
	if cfg.Signer.Keystore == "" && cfg.Signer.PrivateKeyEnv == "" {
		return fmt.Errorf("signer keystore or private_key_env must be configured")
	}
	if strings.TrimSpace(cfg.Feed.Endpoint) == "" {
		return fmt.Errorf("feed endpoint must be configured")
	}
	if cfg.TxFlow.SettleTimeout.Duration < cfg.TxFlow.PollInterval.Duration {
		return fmt.Errorf("txflow settle_timeout must not be shorter than poll_interval")
	}
	return nil
}

// Contracts parses the configured addresses.
func (c ChainConfig) Contracts() (chain.Contracts, error) {
	var out chain.Contracts
	fields := []struct {
		name string
		raw  string
		dst  *common.Address
	}{
		{"pool", c.Pool, &out.Pool},
		{"usdc", c.USDC, &out.USDC},
		{"weth", c.WETH, &out.WETH},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if !common.IsHexAddress(raw) {
			return chain.Contracts{}, fmt.Errorf("chain %s must be a hex address", f.name)
		}
		*f.dst = common.HexToAddress(raw)
	}
	if err := out.Validate(); err != nil {
		return chain.Contracts{}, err
	}
	return out, nil
}

func (s *SignerConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("signer configuration missing")
	}
	s.Keystore = strings.TrimSpace(s.Keystore)
	s.PassphraseEnv = strings.TrimSpace(s.PassphraseEnv)
	s.PassphraseFile = strings.TrimSpace(s.PassphraseFile)
	s.PrivateKeyEnv = strings.TrimSpace(s.PrivateKeyEnv)
	if s.Keystore == "" || s.Passphrase != "" {
		return nil
	}
	switch {
	case s.PassphraseEnv != "":
		value, ok := os.LookupEnv(s.PassphraseEnv)
		if !ok {
			return fmt.Errorf("passphrase_env %s is not set", s.PassphraseEnv)
		}
		s.Passphrase = value
	case s.PassphraseFile != "":
		contents, err := os.ReadFile(s.PassphraseFile)
		if err != nil {
			return fmt.Errorf("read passphrase_file: %w", err)
		}
		s.Passphrase = strings.TrimRight(string(contents), "\r\n")
	}
	return nil
}

func (f *FeedConfig) normalise() error {
	f.Endpoint = strings.TrimSpace(f.Endpoint)
	f.APIKeyEnv = strings.TrimSpace(f.APIKeyEnv)
	if f.APIKey == "" && f.APIKeyEnv != "" {
		f.APIKey = strings.TrimSpace(os.Getenv(f.APIKeyEnv))
		if f.APIKey == "" {
			return fmt.Errorf("api_key_env %s is empty", f.APIKeyEnv)
		}
	}
	return nil
}

func (a *APIConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

// LoadSigner resolves the liquidator key.
func (s SignerConfig) LoadSigner() (*ecdsa.PrivateKey, error) {
	if s.Keystore != "" {
		return chain.LoadKey(s.Keystore, s.Passphrase)
	}
	raw := os.Getenv(s.PrivateKeyEnv)
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("private_key_env %s is empty", s.PrivateKeyEnv)
	}
	return chain.ParseHexKey(raw)
}
