// Package main is the arkd node entry point: it loads configuration, wires
// C1-C10 together, serves the HTTP/WebSocket surface, and drives the
// federation sync and peer-discovery loops until a shutdown signal arrives.
// Grounded on cmd/gateway/main.go's flag-parsing/signal-channel/graceful-
// shutdown skeleton.
package main

import (
	"encoding/base64"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ark-network/ark-core/infrastructure/logging"
	arkmetrics "github.com/ark-network/ark-core/infrastructure/metrics"
	"github.com/ark-network/ark-core/infrastructure/middleware"
	"github.com/ark-network/ark-core/internal/ark/bus"
	"github.com/ark-network/ark-core/internal/ark/config"
	"github.com/ark-network/ark-core/internal/ark/errorbus"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/federation/sync"
	"github.com/ark-network/ark-core/internal/ark/generation"
	"github.com/ark-network/ark-core/internal/ark/httpapi"
	"github.com/ark-network/ark-core/internal/ark/identity"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
	"github.com/ark-network/ark-core/internal/ark/pipeline"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (defaults stand if absent)")
	envFile := flag.String("env-file", "", "optional .env file to load ARK_* overrides from")
	flag.Parse()

	configMgr, err := config.NewManager(*configPath, *envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := configMgr.Current()

	logger := logging.New("arkd", cfg.Logging.Level, cfg.Logging.Format)

	masterKey := identityMasterKey()

	id, err := loadOrCreateIdentity(cfg.Storage.Path, masterKey, logger)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	logger.WithFields(map[string]interface{}{"peer_id": id.PeerID()}).Info("identity ready")

	storePath := cfg.Storage.Path + "/lattice.db"
	store, err := lattice.Open(storePath, id.PeerID(), logger)
	if err != nil {
		log.Fatalf("open lattice store: %v", err)
	}
	defer store.Close()

	errBus, err := errorbus.New(cfg.Storage.Path+"/errors.log", logger)
	if err != nil {
		log.Fatalf("open error log: %v", err)
	}
	defer errBus.Close()
	errBus.Register(errorbus.SeverityCritical, func(e *errorbus.Escalation) {
		logger.WithFields(map[string]interface{}{
			"correlation_id": e.CorrelationID,
			"from":           e.From,
			"code":           e.Code,
		}).Error("critical escalation: " + e.Message)
	})

	messageBus := bus.New(logger)
	messageBus.SetEscalator(errBus)

	var metrics *arkmetrics.Metrics
	if arkmetrics.Enabled() {
		metrics = arkmetrics.Init("arkd")
		messageBus.SetMetrics(metrics)
	}

	peerRegistry := registry.New(registry.Config{
		MaxPeers: cfg.Federation.MaxPeers,
		PeerTTL:  cfg.PeerTTL(),
		Log:      logger,
	})

	genEngine := generation.New(store)
	genStage := generation.NewStage(genEngine)

	arbiter := pipeline.NewArbiter(flattenRulesets(cfg.Validator.Rulesets))

	orch := orchestrator.New(orchestrator.Config{
		Enricher:      pipeline.NewScholar(store),
		Builder:       genStage,
		Arbiter:       arbiter,
		Mirror:        genStage,
		Reflector:     pipeline.NewReflector(),
		Bus:           messageBus,
		Escalator:     errBus,
		Metrics:       metricsOrNil(metrics),
		Log:           logger,
		StageTimeouts: cfg.StageTimeouts(),
		MaxRetries:    cfg.Orchestrator.MaxRetries,
	})

	transport := httpapi.NewTransport(id, nil)
	syncEngine := sync.New(sync.Config{
		Store:      store,
		Registry:   peerRegistry,
		Transport:  transport,
		Escalator:  errBus,
		Metrics:    metricsOrNilSync(metrics),
		Log:        logger,
		Mode:       sync.Mode(cfg.Peer.Role),
		SyncPeriod: cfg.SyncPeriod(),
		HubPeerID:  cfg.Federation.HubPeerID,
	})
	id.SetInFlightSyncCheck(syncEngine.InFlight)
	syncEngine.Start()
	defer syncEngine.Stop()

	discoverer, err := registry.NewMulticastDiscoverer(cfg.Discovery.MulticastGroup, registry.Peer{
		PeerID:      id.PeerID(),
		EndpointURL: cfg.Peer.EndpointURL,
		PublicKey:   id.PublicKey(),
	}, peerRegistry, logger)
	if err != nil {
		log.Fatalf("prepare discoverer: %v", err)
	}
	if err := discoverer.Start(); err != nil {
		logger.WithError(err).Warn("peer discovery responder failed to start; continuing without it")
	} else {
		defer discoverer.Stop()
	}

	server := httpapi.New(httpapi.Config{
		Identity:           id,
		Store:              store,
		Bus:                messageBus,
		ErrorBus:           errBus,
		Orchestrator:       orch,
		Generation:         genEngine,
		Registry:           peerRegistry,
		SyncEngine:         syncEngine,
		Rulesets:           cfg.Validator.Rulesets,
		Role:               cfg.Peer.Role,
		EndpointURL:        cfg.Peer.EndpointURL,
		ListenAddr:         cfg.HTTP.ListenAddr,
		RateLimitPerMinute: 0,
		Log:                logger,
	})

	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Fatalf("http server: %v", err)
		}
	}()
	logger.WithFields(map[string]interface{}{"addr": cfg.HTTP.ListenAddr, "role": cfg.Peer.Role}).Info("arkd started")

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			reloadConfig(configMgr, arbiter, logger)
		}
	}()

	// Shutdown order: stop taking new HTTP work first, then the federation
	// sync loop and discovery responder (via the deferred Stop calls above),
	// then the bus/orchestrator simply drain in-flight goroutines as the
	// process exits — spec §5/SPEC_FULL.md §C item 3.
	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		logger.Info("shutting down")
	})
	shutdown.ListenForSignals()
	shutdown.Wait()
}

// reloadConfig re-reads config.toml/ARK_* env on SIGHUP and atomically
// swaps it into configMgr, then pushes the subset of settings that can
// change without a restart into the running components: the validator's
// rule set (spec §5, "build new config, atomically swap pointer"). A
// reload failure is logged and the previous config stays active.
func reloadConfig(configMgr *config.Manager, arbiter *pipeline.Arbiter, log *logging.Logger) {
	cfg, err := configMgr.Reload()
	if err != nil {
		log.WithError(err).Error("config reload failed; keeping previous config")
		return
	}
	arbiter.SetRules(flattenRulesets(cfg.Validator.Rulesets))
	log.Info("config reloaded")
}

// loadOrCreateIdentity loads the node's persisted identity, or generates and
// persists a fresh one on first run.
func loadOrCreateIdentity(storeRoot string, masterKey []byte, log *logging.Logger) (*identity.Identity, error) {
	id, err := identity.Load(storeRoot, masterKey, log)
	if err == nil {
		return id, nil
	}
	if err != identity.ErrNoPersistedKey {
		return nil, err
	}

	id, err = identity.Generate(log)
	if err != nil {
		return nil, err
	}
	if err := identity.Persist(id, id.KeyPath(storeRoot), masterKey); err != nil {
		return nil, err
	}
	return id, nil
}

// identityMasterKey reads an optional base64-encoded master key used to
// encrypt the identity's private key at rest; an unset env var leaves the
// key unencrypted on disk, relying on filesystem permissions alone (spec
// §4.1's baseline).
func identityMasterKey() []byte {
	raw := strings.TrimSpace(os.Getenv("ARK_IDENTITY_MASTER_KEY"))
	if raw == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		log.Fatalf("invalid ARK_IDENTITY_MASTER_KEY: %v", err)
	}
	return key
}

// flattenRulesets merges every named rule set in config into a single slice
// for the Arbiter, since spec §4.6 describes the Arbiter as applying "a
// configurable rule set" without scoping it further to a role or request
// kind.
func flattenRulesets(rulesets map[string][]scoring.Rule) []scoring.Rule {
	var out []scoring.Rule
	for _, rules := range rulesets {
		out = append(out, rules...)
	}
	return out
}

// metricsOrNil adapts *arkmetrics.Metrics to orchestrator.MetricsRecorder,
// keeping the interface nil (not a non-nil interface wrapping a nil
// pointer) when metrics are disabled.
func metricsOrNil(m *arkmetrics.Metrics) orchestrator.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}

// metricsOrNilSync is metricsOrNil for sync.MetricsRecorder.
func metricsOrNilSync(m *arkmetrics.Metrics) sync.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}
