// Command intentgate runs the AI-assisted API gateway: it admits intents,
// plans downstream calls, and executes the plan with retries, circuit
// breaking, and auditing.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intentgate/intentgate/ai"
	"github.com/intentgate/intentgate/core"
	"github.com/intentgate/intentgate/gateway"
	"github.com/intentgate/intentgate/orchestration"
	"github.com/intentgate/intentgate/resilience"
	"github.com/intentgate/intentgate/security"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "intentgate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var opts []core.Option
	if configPath != "" {
		opts = append(opts, core.WithConfigFile(configPath))
	}
	config, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := core.NewProductionLogger(config.Name)
	if config.Logging.Level != "" {
		logger.SetLevel(config.Logging.Level)
	}
	telemetry := core.NewOTelTelemetry(config.Name, logger)

	// Security side: verifier, guardrail, quota, audit
	verifier, err := buildVerifier(config, logger)
	if err != nil {
		return err
	}
	guardrail := security.NewGuardrail(config.Guardrail, logger)

	quota, redisClient, err := buildQuota(config, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	audit := security.NewMemoryAuditSink(0, logger)
	admission := security.NewPipeline(verifier, guardrail, quota, audit, logger)

	// Orchestration side: planner, resilience, executor, orchestrator
	planner, err := buildPlanner(config, logger, telemetry)
	if err != nil {
		return err
	}

	breakers := resilience.NewBreakerTable(&resilience.BreakerConfig{
		FailureThreshold: config.Resilience.FailureThreshold,
		SuccessThreshold: config.Resilience.SuccessThreshold,
		HalfOpenTimeout:  time.Duration(config.Resilience.HalfOpenTimeoutSeconds) * time.Second,
		Logger:           logger,
		Telemetry:        telemetry,
	})
	policies := resilience.NewPolicySet(&config.Resilience, logger)
	client := orchestration.NewHTTPServiceClient(config.Services, logger)
	executor := orchestration.NewStepExecutor(client, breakers, policies, logger)

	cache := orchestration.NewCache(
		config.Cache.MaxEntries,
		config.Cache.MaxBytes,
		time.Duration(config.Cache.PlanTTLSeconds)*time.Second,
		logger,
	)
	defer cache.Close()

	orchestrator := orchestration.NewOrchestrator(
		planner,
		executor,
		cache,
		gateway.NewExecutionAuditor(audit),
		orchestration.OrchestratorConfig{
			PlanTTL:          time.Duration(config.Cache.PlanTTLSeconds) * time.Second,
			ResultTTL:        time.Duration(config.Cache.ResultTTLSeconds) * time.Second,
			ExecutionTimeout: config.ExecutionTimeout(),
		},
		logger,
		telemetry,
	)

	server, err := gateway.NewServer(config, gateway.Dependencies{
		Admission:    admission,
		Orchestrator: orchestrator,
		Streaming:    orchestration.NewStreamingAdapter(orchestrator),
		Audit:        audit,
		Logger:       logger,
		Telemetry:    telemetry,
		Redis:        redisClient,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// buildVerifier picks the JWT verifier, or the static one in dev mode
// when no secret is configured.
func buildVerifier(config *core.Config, logger core.Logger) (core.TokenVerifier, error) {
	if config.Auth.SecretKey != "" {
		return security.NewJWTVerifier(config.Auth, logger)
	}
	if config.Development.Mode {
		logger.Warn("Using static token verifier; do not use in production", map[string]interface{}{
			"operation": "startup",
			"tokens":    len(config.Development.StaticTokens),
		})
		return security.NewStaticVerifier(config.Development.StaticTokens), nil
	}
	return nil, fmt.Errorf("auth secret key: %w", core.ErrMissingConfiguration)
}

// buildQuota wires the quota keeper: disabled, Redis-backed with local
// fallback, or purely in-process.
func buildQuota(config *core.Config, logger core.Logger) (security.QuotaKeeper, *core.RedisClient, error) {
	if !config.RateLimit.Enabled {
		return security.NewNoOpQuota(config.RateLimit.DailyLimit), nil, nil
	}
	local := security.NewMemoryQuota(config.RateLimit.DailyLimit, logger)
	if config.RateLimit.RedisURL == "" {
		return local, nil, nil
	}
	redisClient, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  config.RateLimit.RedisURL,
		Namespace: config.Name,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting quota backend: %w", err)
	}
	return security.NewRedisQuota(redisClient, config.RateLimit.DailyLimit, local, logger), redisClient, nil
}

// buildPlanner picks the model planner when a model endpoint is
// configured, else the static rule planner in dev mode.
func buildPlanner(config *core.Config, logger core.Logger, telemetry core.Telemetry) (orchestration.Planner, error) {
	client, err := ai.NewClient(ai.ClientConfig{Logger: logger})
	if err == nil {
		return orchestration.NewModelPlanner(client, config.Services, logger, telemetry), nil
	}
	if !config.Development.Mode {
		return nil, fmt.Errorf("no planner available: %w", err)
	}

	logger.Warn("Using static planner; configure a model API key for model-backed planning", map[string]interface{}{
		"operation": "startup",
	})
	var defaultSteps []orchestration.Step
	for name := range config.Services {
		defaultSteps = append(defaultSteps, orchestration.Step{
			ServiceName:  name,
			FunctionName: "handle",
			Description:  "route intent to " + name,
			Parameters:   map[string]interface{}{"intent": "${intent}", "user_id": "${userId}"},
		})
		break
	}
	return orchestration.NewStaticPlanner(nil, defaultSteps, logger), nil
}
