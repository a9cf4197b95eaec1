// Package app wires the process dependency graph shared by both Lambda
// entrypoints.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"line-relay/internal/cache"
	"line-relay/internal/integrations/line"
	"line-relay/internal/integrations/openai"
	"line-relay/internal/integrations/paramstore"
	"line-relay/internal/repository"
	"line-relay/internal/usecase"
)

// App holds the constructed services for one process.
type App struct {
	Relay *usecase.RelayService
	Sweep *usecase.SweepService
	Log   *slog.Logger
}

// Build reads the environment, connects the external collaborators and
// assembles the service graph. Configuration is read only here.
func Build(ctx context.Context) (*App, error) {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	stateTable, err := mustEnv("STATE_TABLE")
	if err != nil {
		return nil, err
	}
	paramPrefix, err := mustEnv("PARAM_PREFIX")
	if err != nil {
		return nil, err
	}
	redisAddr, err := mustEnv("REDIS_ADDR")
	if err != nil {
		return nil, err
	}

	cfg := usecase.Config{
		ParamPrefix:   paramPrefix,
		HistoryWindow: envInt("HISTORY_WINDOW", 10),
		BatchSize:     envInt("BATCH_SIZE", 5),
		MaxAttempts:   envInt("MAX_RETRIES", 3),
	}.WithDefaults()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create paramstore client: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), stateTable)
	if err != nil {
		return nil, fmt.Errorf("app: create state store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        redisAddr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}
	idemCache, err := cache.New(rdb)
	if err != nil {
		return nil, fmt.Errorf("app: create cache: %w", err)
	}

	llm, err := openai.NewClient(params, paramPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create completion client: %w", err)
	}
	messenger, err := line.NewClient(params, paramPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create messaging client: %w", err)
	}

	history, err := usecase.NewHistoryAssembler(store, cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	orchestrator, err := usecase.NewCompletionOrchestrator(llm, params, store, idemCache, cfg, log)
	if err != nil {
		return nil, err
	}
	deliverer, err := usecase.NewDeliverer(messenger, cfg, log)
	if err != nil {
		return nil, err
	}
	registry, err := usecase.NewRegistry(store, idemCache, messenger, cfg, log)
	if err != nil {
		return nil, err
	}
	relay, err := usecase.NewRelayService(idemCache, store, history, orchestrator, deliverer, registry, cfg, log)
	if err != nil {
		return nil, err
	}
	sweep, err := usecase.NewSweepService(idemCache, relay, cfg, log)
	if err != nil {
		return nil, err
	}

	return &App{Relay: relay, Sweep: sweep, Log: log}, nil
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("app: required environment variable %s is not set", key)
	}
	return v, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
