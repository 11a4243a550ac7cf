// Command coresettle wires together the four subsystems this module
// implements: the native price cache, the settlement submission engine,
// and the settlement event reconciler run as long-lived background
// processes; the in-flight order tracker is a library type consumed
// directly by the (out-of-scope) auction-building loop, so it has
// nothing to start here.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/coresettle/configs"
	"github.com/relaymesh/coresettle/internal/db"
	"github.com/relaymesh/coresettle/internal/ethadapter"
	"github.com/relaymesh/coresettle/internal/metrics"
	"github.com/relaymesh/coresettle/internal/priceestimator"
	"github.com/relaymesh/coresettle/internal/priceoracle"
	"github.com/relaymesh/coresettle/internal/reconciler"
	"github.com/relaymesh/coresettle/internal/submission"
	"github.com/relaymesh/coresettle/internal/util"
	"github.com/relaymesh/coresettle/pkg/contractclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := configs.LoadConfig(configPath())
	if err != nil {
		log.Fatalf("coresettle: load config: %v", err)
	}

	solverKey, err := loadSolverKey()
	if err != nil {
		log.Fatalf("coresettle: load solver key: %v", err)
	}
	signer := submission.NewSigner(solverKey)

	contracts := ethadapter.StaticContracts{
		WETHAddr:             conf.Contracts.WETHAddress(),
		SettlementAddr:       conf.Contracts.SettlementAddress(),
		DomainSeparatorValue: conf.Contracts.DomainSeparatorHash(),
	}
	eth, err := ethadapter.NewClient(conf.RPC, contracts)
	if err != nil {
		log.Fatalf("coresettle: dial rpc %s: %v", conf.RPC, err)
	}

	if err := verifyDomainSeparator(conf); err != nil {
		log.Fatalf("coresettle: settlement contract sanity check: %v", err)
	}

	store, err := db.NewStore(conf.MySQLDSN)
	if err != nil {
		log.Fatalf("coresettle: open database: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metricsHandle := metrics.New(reg)

	mempools, err := buildMempools(conf, eth, signer)
	if err != nil {
		log.Fatalf("coresettle: configure mempools: %v", err)
	}
	// NewEngine is built here purely to fail fast on a misconfigured
	// mempool set; Execute is invoked per-candidate settlement by the
	// (out-of-scope) auction-submission caller, which holds the engine
	// built the same way.
	engine, err := submission.NewEngine(mempools, eth, metricsHandle)
	if err != nil {
		log.Fatalf("coresettle: build submission engine: %v", err)
	}
	log.Printf("coresettle: submission engine ready, revert protection %v across %d mempools", engine.RevertProtection(), len(mempools))

	cache := buildCache(conf, metricsHandle)
	go cache.Run(ctx)
	defer cache.Close()

	rec := reconciler.New(eth, store, metricsHandle)
	go rec.RunForever(ctx)

	log.Printf("coresettle: running as solver %s against %s", signer.Solver().Address, conf.RPC)
	<-ctx.Done()
	log.Printf("coresettle: shutting down")
}

func configPath() string {
	if p := os.Getenv("CORESETTLE_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yml"
}

// loadSolverKey decrypts the solver's signing key, kept out of the config
// file in cleartext: an AES-256-GCM ciphertext in ENC_PK, opened with a
// key supplied out of band via KEY.
func loadSolverKey() (*ecdsa.PrivateKey, error) {
	encryptedPK := os.Getenv("ENC_PK")
	if encryptedPK == "" {
		return nil, fmt.Errorf("ENC_PK not set")
	}
	key := os.Getenv("KEY")
	if key == "" {
		return nil, fmt.Errorf("KEY not set")
	}
	plaintext, err := util.Decrypt([]byte(key), encryptedPK)
	if err != nil {
		return nil, fmt.Errorf("decrypt solver key: %w", err)
	}
	pk, err := crypto.HexToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("parse solver key: %w", err)
	}
	return pk, nil
}

func buildCache(conf *configs.Config, metricsHandle *metrics.Handle) *priceoracle.Cache {
	maxAge, prefetch, updateInterval := conf.Cache.Durations()

	options := []priceoracle.Option{priceoracle.WithMetrics(metricsHandle)}
	if maxAge > 0 {
		options = append(options, priceoracle.WithMaxAge(maxAge))
	}
	if prefetch > 0 {
		options = append(options, priceoracle.WithPrefetchTime(prefetch))
	}
	if updateInterval > 0 {
		options = append(options, priceoracle.WithUpdateInterval(updateInterval))
	}
	if conf.Cache.UpdateSize > 0 {
		options = append(options, priceoracle.WithUpdateSize(conf.Cache.UpdateSize))
	}
	if conf.Cache.ConcurrentRequests > 0 {
		options = append(options, priceoracle.WithConcurrentRequests(conf.Cache.ConcurrentRequests))
	}
	if conf.Cache.MaxEntries > 0 {
		options = append(options, priceoracle.WithMaxEntries(conf.Cache.MaxEntries))
	}
	if conf.Cache.RateLimitPerSec > 0 {
		options = append(options, priceoracle.WithRateLimit(conf.Cache.Limit(), conf.Cache.RateLimitBurst))
	}

	estimator := priceestimator.New(conf.Estimator.URL)
	return priceoracle.New(estimator, options...)
}

var domainSeparatorABI = mustParseABI(`[{
	"name": "domainSeparator",
	"type": "function",
	"stateMutability": "view",
	"inputs": [],
	"outputs": [{"name": "", "type": "bytes32"}]
}]`)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("coresettle: invalid embedded ABI: %v", err))
	}
	return parsed
}

// verifyDomainSeparator is a one-shot startup sanity check: it calls the
// configured settlement contract's own domainSeparator() view function
// and compares the result against the value in config.yml, catching a
// misconfigured address or network before the engine ever signs anything.
func verifyDomainSeparator(conf *configs.Config) error {
	rpc, err := ethclient.Dial(conf.RPC)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpc.Close()

	cc := contractclient.NewContractClient(rpc, conf.Contracts.SettlementAddress(), domainSeparatorABI)
	out, err := cc.Call(nil, "domainSeparator")
	if err != nil {
		return fmt.Errorf("call domainSeparator: %w", err)
	}
	if len(out) != 1 {
		return fmt.Errorf("domainSeparator: unexpected output shape %v", out)
	}
	onChain, ok := out[0].([32]byte)
	if !ok {
		return fmt.Errorf("domainSeparator: unexpected output type %T", out[0])
	}
	if common.BytesToHash(onChain[:]) != conf.Contracts.DomainSeparatorHash() {
		return fmt.Errorf("configured domainSeparator %s does not match on-chain value %x", conf.Contracts.DomainSeparator, onChain)
	}
	return nil
}

func buildMempools(conf *configs.Config, eth *ethadapter.Client, signer submission.Signer) ([]submission.Mempool, error) {
	chainID := big.NewInt(conf.ChainID)
	mempools := make([]submission.Mempool, 0, len(conf.Mempools))
	for _, m := range conf.Mempools {
		deadline := m.Deadline(time.Now())
		switch m.Kind {
		case "public_enabled":
			cfg := submission.MempoolConfig{Kind: submission.KindPublicEnabled, Deadline: deadline, MayRevert: m.MayRevert}
			mempools = append(mempools, submission.NewPublicMempool(m.Name, cfg, eth, chainID, signer, m.MayRevert))
		case "public_disabled":
			cfg := submission.MempoolConfig{Kind: submission.KindPublicDisabled, Deadline: deadline, MayRevert: m.MayRevert}
			mempools = append(mempools, submission.NewPublicMempool(m.Name, cfg, eth, chainID, signer, m.MayRevert))
		case "private":
			if m.RelayURL == "" {
				return nil, fmt.Errorf("mempool %s: kind private requires relayURL", m.Name)
			}
			cfg := submission.MempoolConfig{Kind: submission.KindPrivate, Deadline: deadline, MayRevert: false}
			mempools = append(mempools, submission.NewPrivateMempool(m.Name, cfg, eth, chainID, signer, m.RelayURL))
		default:
			return nil, fmt.Errorf("mempool %s: unknown kind %q", m.Name, m.Kind)
		}
	}
	return mempools, nil
}
