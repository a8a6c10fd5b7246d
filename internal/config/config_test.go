package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"trading":{"default_quantity":1,"max_order_size":10}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.System.MaxThreads)
	assert.Equal(t, 4, cfg.Execution.WorkerThreadCount)
	assert.Equal(t, 0.1, cfg.TWAP.DefaultParticipationRate)
}

func TestLoadRejectsOrderSizeBelowDefault(t *testing.T) {
	path := writeConfig(t, `{"trading":{"default_quantity":10,"max_order_size":1}}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesBinanceCredentials(t *testing.T) {
	path := writeConfig(t, `{}`)
	t.Setenv("BINANCE_API_KEY", "abc")
	t.Setenv("BINANCE_API_SECRET", "def")
	t.Setenv("BINANCE_TESTNET", "true")
	t.Setenv("TRADING_TYPE", "spot,futures")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Exchanges["binance"].APIKey)
	assert.Equal(t, "def", cfg.Exchanges["binance"].APISecret)
	assert.True(t, cfg.Exchanges["binance"].Testnet)
	assert.Equal(t, []string{"spot", "futures"}, cfg.Trading.TradingType)
}
