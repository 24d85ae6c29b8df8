// Command matchcored assembles the match coordination core's
// components from configuration and keeps the process alive serving
// whatever transport a deployment wires in front of it. Transport,
// credential issuance, and CLI shape are explicitly out of scope for
// this core, so this entrypoint's job ends at composition — the same
// division of labor as the teacher's main.go, which builds cfg, db, and
// the blockchain client before handing off to Fiber route registration.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ocentra/matchcore/authsvc"
	"github.com/ocentra/matchcore/batch"
	"github.com/ocentra/matchcore/chain"
	"github.com/ocentra/matchcore/clockutil"
	"github.com/ocentra/matchcore/config"
	"github.com/ocentra/matchcore/coordinator"
	"github.com/ocentra/matchcore/gameengine"
	"github.com/ocentra/matchcore/logging"
	"github.com/ocentra/matchcore/objstore"
	"github.com/ocentra/matchcore/obsmetrics"
	"github.com/ocentra/matchcore/ports"
	"github.com/ocentra/matchcore/resilience"
	"github.com/ocentra/matchcore/scheduler"
)

// core bundles every composed component a transport layer or test
// harness needs, in place of exposing any of them as package
// singletons (spec §9).
type core struct {
	cfg         *config.Config
	logger      *logging.Logger
	clock       ports.Clock
	store       ports.Store
	chain       ports.BlockchainClient
	auth        ports.AuthVerifier
	metrics     ports.MetricsSink
	scheduler   *scheduler.Wheel
	wallets     *resilience.WalletPool
	rateLimiter resilience.RateLimiter
	breaker     *resilience.CircuitBreaker
	batcher     *batch.Manager
	coordinator *coordinator.Coordinator
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("matchcored: no .env file found, using process environment")
	}

	cfg := config.Load()
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))

	c, err := build(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("matchcored: startup failed: %v", err)
	}

	logger.Infof("matchcore started: environment=%s wallets=%d", cfg.Environment, c.wallets.Size())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("matchcore shutting down, flushing pending batch entries")
	if err := c.batcher.Shutdown(context.Background()); err != nil {
		logger.Errorf("shutdown flush failed: %v", err)
	}
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*core, error) {
	clock := clockutil.System{}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	chainClient := chain.NewMockClient()

	jwtSecret, err := config.ResolveJWTSecret(cfg)
	if err != nil {
		return nil, err
	}
	auth := authsvc.NewJWTVerifier([]byte(jwtSecret), cfg.JWTIssuer)

	var metrics ports.MetricsSink
	if cfg.EnableMetrics {
		metrics = obsmetrics.NewPrometheusSink(prometheus.DefaultRegisterer, cfg.MetricsNamespace)
	} else {
		metrics = obsmetrics.NewSink()
	}

	wheel := scheduler.New()

	wallets, err := buildWalletPool(cfg, clock)
	if err != nil {
		return nil, err
	}

	rateLimiter := buildRateLimiter(cfg, clock)

	breaker := resilience.NewCircuitBreaker(
		cfg.BreakerFailureThreshold,
		cfg.BreakerSuccessThreshold,
		time.Duration(cfg.BreakerTimeoutMS)*time.Millisecond,
		clock,
	)

	walletSigner := ports.SignerProvider(wallets)
	batcher, err := batch.New(ctx, store, chainClient, walletSigner, wheel, clock, metrics,
		cfg.BatchSize, cfg.BatchMax,
		time.Duration(cfg.BatchFlushIntervalMS)*time.Millisecond,
		time.Duration(cfg.BatchMaxWaitMS)*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}

	_ = gameengine.NewDeterministic() // wired by callers building a Verifier; kept here to document composition

	coord := coordinator.New(chainClient, store, clock, metrics, rateLimiter, breaker, wallets, batcher, nil, nil, coordinator.Config{
		TxTimeout:               time.Duration(cfg.TxTimeoutMS) * time.Millisecond,
		SyncIntervalMoves:       cfg.SyncIntervalMoves,
		CheckpointIntervalMoves: cfg.CheckpointIntervalMoves,
		BatchingEnabled:         true,
	})

	return &core{
		cfg:         cfg,
		logger:      logger,
		clock:       clock,
		store:       store,
		chain:       chainClient,
		auth:        auth,
		metrics:     metrics,
		scheduler:   wheel,
		wallets:     wallets,
		rateLimiter: rateLimiter,
		breaker:     breaker,
		batcher:     batcher,
		coordinator: coord,
	}, nil
}

// buildStore prefers Postgres when DB_HOST is configured (durable,
// transactional persistence for instance/batch state), falling back to
// IPFS-backed storage, and finally to the in-memory store for local
// development (spec §5).
func buildStore(cfg *config.Config) (ports.Store, error) {
	if cfg.DBHost != "" {
		return objstore.NewPGStore(objstore.PGConfig{
			Host:               cfg.DBHost,
			Port:               cfg.DBPort,
			User:               cfg.DBUser,
			Password:           cfg.DBPassword,
			DBName:             cfg.DBName,
			SSLMode:            cfg.DBSSLMode,
			MaxOpenConns:       cfg.DBMaxConnections,
			MaxIdleConns:       cfg.DBMaxIdleConnections,
			ConnMaxLifetimeSec: cfg.DBConnectionLifetime,
		})
	}
	if cfg.IPFSNodeURL == "" {
		return objstore.NewMemStore(), nil
	}
	return objstore.NewIPFSStore(cfg.IPFSNodeURL, cfg.IPFSGatewayURL, cfg.IPFSPoolSize), nil
}

func buildRateLimiter(cfg *config.Config, clock ports.Clock) resilience.RateLimiter {
	if cfg.RedisHost == "" {
		return resilience.NewInProcessRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindowSec, clock)
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisHost + ":" + cfg.RedisPort,
	})
	return resilience.NewRedisRateLimiter(client, cfg.RateLimitMax, cfg.RateLimitWindowSec)
}

// buildWalletPool decodes WALLET_POOL_KEYS (hex Ed25519 seeds) into
// signing identities. A deployment with no configured keys gets a
// single freshly generated wallet so the process can still start in
// development (spec §6 WALLET_POOL_KEYS is a list with no stated
// non-empty requirement at the config layer; resilience.NewWalletPool
// rejects an empty set, and the Coordinator returns NoWallet only when it
// has neither a pool nor an override wallet).
func buildWalletPool(cfg *config.Config, clock ports.Clock) (*resilience.WalletPool, error) {
	var wallets []ports.Wallet
	var keys []ed25519.PrivateKey

	if len(cfg.WalletPoolKeys) == 0 || cfg.WalletPoolKeys[0] == "" {
		pub, priv, err := generateDevWallet()
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, ports.Wallet{ID: "dev-wallet-0", PublicKey: hex.EncodeToString(pub)})
		keys = append(keys, priv)
	} else {
		for i, seedHex := range cfg.WalletPoolKeys {
			seed, err := hex.DecodeString(seedHex)
			if err != nil {
				return nil, err
			}
			priv := ed25519.NewKeyFromSeed(seed)
			pub := priv.Public().(ed25519.PublicKey)
			wallets = append(wallets, ports.Wallet{ID: "wallet-" + hex.EncodeToString(pub)[:8], PublicKey: hex.EncodeToString(pub)})
			keys = append(keys, priv)
			_ = i
		}
	}

	return resilience.NewWalletPool(wallets, keys, cfg.WalletRotationThreshold, clock)
}

func generateDevWallet() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}
