package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/householdiq-aggregator/internal/api"
	"github.com/rawblock/householdiq-aggregator/internal/bridging"
	"github.com/rawblock/householdiq-aggregator/internal/capping"
	"github.com/rawblock/householdiq-aggregator/internal/config"
	"github.com/rawblock/householdiq-aggregator/internal/dailyagg"
	"github.com/rawblock/householdiq-aggregator/internal/graph"
	"github.com/rawblock/householdiq-aggregator/internal/kvcache"
	"github.com/rawblock/householdiq-aggregator/internal/privacy"
	"github.com/rawblock/householdiq-aggregator/internal/queue"
	"github.com/rawblock/householdiq-aggregator/internal/sampling"
	"github.com/rawblock/householdiq-aggregator/internal/scoring"
	"github.com/rawblock/householdiq-aggregator/internal/store"
	"github.com/rawblock/householdiq-aggregator/internal/tokens"

	as "github.com/aerospike/aerospike-client-go/v6"
)

func main() {
	log.Println("Starting HouseholdIQ Identity Bridging Aggregator...")

	cfg := config.Load()

	dbConn, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to PostgreSQL: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Printf("Warning: schema init failed: %v", err)
	}

	cache := newCache(cfg)
	if closer, ok := cache.(interface{ Close() }); ok {
		defer closer.Close()
	}

	graphClient := newGraphClient(cfg)
	if closer, ok := graphClient.(interface{ Close(context.Context) error }); ok {
		defer closer.Close(context.Background())
	}

	gate := privacy.NewGate()
	scorer := newScorer(context.Background(), dbConn)

	engine := bridging.NewEngine(cfg.GlobalSalt, gate, scorer, cache, graphClient, dbConn, thresholdResolver(dbConn, cfg.BridgingConfidenceThreshold))
	if cfg.TokenSigningSecret != "" {
		engine.Tokens = tokens.NewIssuer(cfg.TokenSigningSecret)
	}

	hub := api.NewHub()
	go hub.Run()

	observers := bridging.MultiObserver{api.NewHubObserver(hub)}
	publisher, err := queue.NewPublisher(fmt.Sprintf("amqp://aggregator:aggregator@%s:5672//", cfg.RabbitMQHost))
	if err != nil {
		log.Printf("Warning: RabbitMQ unavailable (%v), bridging lifecycle events will not be published", err)
	} else {
		defer publisher.Close()
		observers = append(observers, publisher)
	}
	engine.SetObserver(observers)

	capCounter := capping.NewCounter(cache)

	dailyAgg := dailyagg.NewBuffer(cache, dbConn)
	dailyAgg.DPEnabled = cfg.DPModeEnabled
	dailyAgg.Epsilon = cfg.PrivacyNoiseEpsilon

	retrainer := bridging.NewStubRetrainer(dbConn)

	scheduler := queue.NewScheduler(cache, engine, dbConn, dailyAgg, graphClient, retrainer)
	scheduler.GraphPruneEnabled = cfg.PruneNeo4jEnabled
	scheduler.Retention = time.Duration(cfg.DataRetentionDays) * 24 * time.Hour
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	go scheduler.Run(schedulerCtx)

	server := api.NewServer(dbConn, cache, engine, capCounter, dailyAgg, hub)
	server.Sampler = sampling.NewSampler(cfg.SamplingRates)
	server.DPEnabled = cfg.DPModeEnabled
	server.DPEpsilon = cfg.PrivacyNoiseEpsilon
	server.MinCount = int64(cfg.PrivacyMinThreshold)

	router := api.SetupRouter(server)

	log.Printf("Aggregator running on :%s\n", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// newCache constructs the KVCache binding: Aerospike when AEROSPIKE_HOST
// is configured, falling back to the in-memory implementation for local
// development — the bridging core is identical either way, since it only
// ever programs against the kvcache.KVCache interface.
func newCache(cfg config.Settings) kvcache.KVCache {
	host := as.NewHost(cfg.AerospikeHost, cfg.AerospikePort)
	aero, err := kvcache.NewAerospikeCache([]*as.Host{host}, "householdiq", cfg.DataRetentionDays)
	if err != nil {
		log.Printf("Warning: Aerospike unavailable (%v), falling back to in-memory cache. "+
			"Do not run this fallback in production — it does not survive a restart and is not shared across replicas.", err)
		return kvcache.NewMemoryCache()
	}
	return aero
}

// newGraphClient constructs the graph Client binding. USE_NEO4J_BRIDGING
// lets an operator force the in-memory fallback (e.g. for a small single
// -process deployment) even when Neo4j is reachable.
func newGraphClient(cfg config.Settings) graph.Client {
	if !cfg.UseNeo4jBridging {
		log.Println("USE_NEO4J_BRIDGING=false, using in-memory graph client")
		return graph.NewMemoryClient()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := graph.NewNeo4jClient(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, "")
	if err != nil {
		log.Printf("Warning: Neo4j unavailable (%v), falling back to in-memory graph client", err)
		return graph.NewMemoryClient()
	}
	return client
}

// newScorer builds the Scorer from the latest operator-configured
// bridging_config row, falling back to scoring.DefaultWeights/DefaultDecay
// when none has ever been set.
func newScorer(ctx context.Context, db *store.PostgresStore) *scoring.Scorer {
	row, ok, err := db.GetBridgingConfig(ctx)
	if err != nil || !ok {
		return scoring.NewScorer(scoring.DefaultWeights, scoring.DefaultDecay)
	}
	weights := scoring.DefaultWeights
	if v, ok := row.PartialKeyWeights["hashedEmail"]; ok {
		weights.HashedEmail = v
	}
	if v, ok := row.PartialKeyWeights["hashedIP"]; ok {
		weights.HashedIP = v
	}
	if v, ok := row.PartialKeyWeights["wifiSSID"]; ok {
		weights.WifiSSID = v
	}
	if v, ok := row.PartialKeyWeights["deviceType"]; ok {
		weights.DeviceType = v
	}
	if v, ok := row.PartialKeyWeights["profileID"]; ok {
		weights.ProfileID = v
	}
	return scoring.NewScorer(weights, row.TimeDecayFactor)
}

// thresholdResolver returns the Engine.Threshold closure: the latest
// published ML threshold if any, else the latest bridging_config
// threshold, else the BRIDGING_CONFIDENCE_THRESHOLD env default.
func thresholdResolver(db *store.PostgresStore, envDefault float64) func() float64 {
	if envDefault <= 0 || envDefault > 1 {
		envDefault = scoring.DefaultThreshold
	}
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if threshold, ok, err := db.GetMLThreshold(ctx); err == nil && ok {
			return threshold
		}
		if row, ok, err := db.GetBridgingConfig(ctx); err == nil && ok {
			return row.Threshold
		}
		return envDefault
	}
}
