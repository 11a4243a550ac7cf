package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
rpc: "https://rpc.example.org"
chainId: 1
mysqlDSN: "root:root@tcp(127.0.0.1:3306)/coresettle"
contracts:
  weth: "0x000000000000000000000000000000000000ab"
  settlement: "0x000000000000000000000000000000005e77ee"
  domainSeparator: "0x1111111111111111111111111111111111111111111111111111111111111111"
cache:
  maxAgeSec: 1800
  prefetchTimeSec: 60
  updateIntervalSec: 30
  concurrentRequests: 4
  maxEntries: 10000
mempools:
  - name: "public"
    kind: "public_enabled"
    mayRevert: true
    deadlineSec: 120
  - name: "flashbots"
    kind: "private"
    deadlineSec: 120
    relayURL: "https://relay.example.org/submit"
priceEstimator:
  url: "https://estimator.example.org/price"
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	return path
}

func TestLoadConfigParsesAllSections(t *testing.T) {
	conf, err := LoadConfig(writeSampleConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", conf.RPC)
	assert.EqualValues(t, 1, conf.ChainID)
	assert.Len(t, conf.Mempools, 2)
	assert.Equal(t, "private", conf.Mempools[1].Kind)
	assert.Equal(t, "https://relay.example.org/submit", conf.Mempools[1].RelayURL)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestCacheConfigDurationsZeroWhenUnset(t *testing.T) {
	var c CacheConfig
	maxAge, prefetch, updateInterval := c.Durations()
	assert.Equal(t, time.Duration(0), maxAge)
	assert.Equal(t, time.Duration(0), prefetch)
	assert.Equal(t, time.Duration(0), updateInterval)
}

func TestMempoolConfigDeadlineAddsOffset(t *testing.T) {
	m := MempoolConfig{DeadlineSec: 30}
	now := time.Now()
	assert.True(t, m.Deadline(now).After(now))
	assert.Equal(t, now.Add(30*time.Second), m.Deadline(now))
}
