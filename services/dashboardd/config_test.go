package dashboardd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 31337
  pool: "0x1000000000000000000000000000000000000001"
  usdc: "0x2000000000000000000000000000000000000002"
  weth: "0x3000000000000000000000000000000000000003"
signer:
  private_key_env: "TEST_DASHBOARD_KEY"
feed:
  endpoint: "http://indexer.local"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig))
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, uint64(1), cfg.Chain.Confirmations)
	require.Equal(t, uint64(20), cfg.Chain.GasMarginPct)
	require.Equal(t, 3*time.Second, cfg.TxFlow.PollInterval.Duration)
	require.Equal(t, 5*time.Minute, cfg.TxFlow.SettleTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.Feed.Interval.Duration)
	require.Equal(t, "dashboardd.db", cfg.Journal.Path)
	require.Equal(t, 128, cfg.API.NotificationQueue)

	contracts, err := cfg.Chain.Contracts()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x2000000000000000000000000000000000000002"), contracts.USDC)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, baseConfig+`
txflow:
  poll_interval: 500ms
  settle_timeout: 2m
`))
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.TxFlow.PollInterval.Duration)
	require.Equal(t, 2*time.Minute, cfg.TxFlow.SettleTimeout.Duration)

	_, err = LoadConfig(writeConfig(t, baseConfig+`
txflow:
  poll_interval: soon
`))
	require.ErrorContains(t, err, "parse duration")
}

func TestLoadConfigValidates(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
chain:
  chain_id: 1
feed:
  endpoint: "http://indexer.local"
`))
	require.ErrorContains(t, err, "rpc")

	_, err = LoadConfig(writeConfig(t, baseConfig+`
listen: ":1"
unknown_field: true
`))
	require.Error(t, err)

	bad := `
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1
  pool: "nope"
  usdc: "0x2000000000000000000000000000000000000002"
  weth: "0x3000000000000000000000000000000000000003"
signer:
  private_key_env: "K"
feed:
  endpoint: "http://indexer.local"
`
	_, err = LoadConfig(writeConfig(t, bad))
	require.ErrorContains(t, err, "pool")
}

func TestSignerSecretsFromEnvAndFile(t *testing.T) {
	t.Setenv("TEST_DASHBOARD_PASS", "hunter2")
	cfg, err := LoadConfig(writeConfig(t, `
chain:
  rpc: "http://127.0.0.1:8545"
  chain_id: 1
  pool: "0x1000000000000000000000000000000000000001"
  usdc: "0x2000000000000000000000000000000000000002"
  weth: "0x3000000000000000000000000000000000000003"
signer:
  keystore: "key.json"
  passphrase_env: "TEST_DASHBOARD_PASS"
feed:
  endpoint: "http://indexer.local"
`))
	require.NoError(t, err)
	require.Equal(t, "hunter2", cfg.Signer.Passphrase)

	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("s3cret\n"), 0o600))
	cfg, err = LoadConfig(writeConfig(t, baseConfig+`
api:
  bearer_token_file: "`+tokenPath+`"
`))
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.API.BearerToken)
}

func TestLoadSignerFromHexEnv(t *testing.T) {
	t.Setenv("TEST_DASHBOARD_KEY", "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	key, err := SignerConfig{PrivateKeyEnv: "TEST_DASHBOARD_KEY"}.LoadSigner()
	require.NoError(t, err)
	require.NotNil(t, key)

	t.Setenv("TEST_DASHBOARD_KEY", "")
	_, err = SignerConfig{PrivateKeyEnv: "TEST_DASHBOARD_KEY"}.LoadSigner()
	require.Error(t, err)
}
