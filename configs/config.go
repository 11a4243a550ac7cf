// Package configs loads the settlement core's deployment configuration:
// the chain RPC endpoint, contract addresses, the native price cache's
// tuning knobs, and the set of mempools the submission engine races
// across.
package configs

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the entire configuration structure loaded from config.yml.
type Config struct {
	RPC       string          `yaml:"rpc"`
	ChainID   int64           `yaml:"chainId"`
	MySQLDSN  string          `yaml:"mysqlDSN"`
	Contracts ContractsConfig `yaml:"contracts"`
	Cache     CacheConfig     `yaml:"cache"`
	Mempools  []MempoolConfig `yaml:"mempools"`
	Estimator EstimatorConfig `yaml:"priceEstimator"`
}

// ContractsConfig pins the settlement contract deployment the reconciler
// and submission engine resolve against.
type ContractsConfig struct {
	WETH              string `yaml:"weth"`
	Settlement        string `yaml:"settlement"`
	DomainSeparator   string `yaml:"domainSeparator"`
}

// CacheConfig mirrors priceoracle.Cache's tunables; zero fields fall back
// to priceoracle.New's defaults.
type CacheConfig struct {
	MaxAgeSec             int     `yaml:"maxAgeSec"`
	PrefetchTimeSec        int     `yaml:"prefetchTimeSec"`
	UpdateIntervalSec      int     `yaml:"updateIntervalSec"`
	UpdateSize             int     `yaml:"updateSize"`
	ConcurrentRequests     int     `yaml:"concurrentRequests"`
	MaxEntries             int     `yaml:"maxEntries"`
	RateLimitPerSec        float64 `yaml:"rateLimitPerSec"`
	RateLimitBurst         int     `yaml:"rateLimitBurst"`
}

// MempoolConfig describes one entry of the submission engine's race set.
type MempoolConfig struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"` // "public_enabled" | "public_disabled" | "private"
	MayRevert      bool   `yaml:"mayRevert"`
	DeadlineSec    int    `yaml:"deadlineSec"`
	RelayURL       string `yaml:"relayURL"` // required for kind == "private"
}

// EstimatorConfig points at the operator-chosen price-estimator backend.
// The core never implements a specific venue; it speaks one small JSON
// contract (see internal/priceestimator) against
// whatever URL the operator configures.
type EstimatorConfig struct {
	URL string `yaml:"url"`
}

// LoadConfig reads and parses path into a Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &config, nil
}

// WETHAddress, SettlementAddress and DomainSeparatorHash resolve the
// configured hex strings into go-ethereum types at the config boundary,
// rather than scattering parse calls through the core packages.
func (c ContractsConfig) WETHAddress() common.Address       { return common.HexToAddress(c.WETH) }
func (c ContractsConfig) SettlementAddress() common.Address { return common.HexToAddress(c.Settlement) }
func (c ContractsConfig) DomainSeparatorHash() common.Hash  { return common.HexToHash(c.DomainSeparator) }

// Durations converts the cache's second-granularity YAML fields into the
// time.Duration values priceoracle.Option expects. Zero stays zero so
// priceoracle.New's own defaults apply.
func (c CacheConfig) Durations() (maxAge, prefetch, updateInterval time.Duration) {
	return time.Duration(c.MaxAgeSec) * time.Second,
		time.Duration(c.PrefetchTimeSec) * time.Second,
		time.Duration(c.UpdateIntervalSec) * time.Second
}

// Limit builds the rate.Limit the cache's background refresh throttles
// against; RateLimitPerSec == 0 means unlimited (Limiter left nil by the
// caller).
func (c CacheConfig) Limit() rate.Limit { return rate.Limit(c.RateLimitPerSec) }

// Deadline resolves this mempool's absolute deadline relative to now,
// since the race begins the moment Execute is called.
func (m MempoolConfig) Deadline(now time.Time) time.Time {
	return now.Add(time.Duration(m.DeadlineSec) * time.Second)
}
