package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/foiaflow/internal/capability"
	"github.com/foiaflow/internal/classifier"
	"github.com/foiaflow/internal/config"
	"github.com/foiaflow/internal/database"
	"github.com/foiaflow/internal/drafter"
	"github.com/foiaflow/internal/executor"
	"github.com/foiaflow/internal/jobqueue"
	"github.com/foiaflow/internal/logging"
	"github.com/foiaflow/internal/pipeline"
	"github.com/foiaflow/internal/policy"
	"github.com/foiaflow/internal/retry"
	"github.com/foiaflow/internal/safety"
	"github.com/foiaflow/internal/store"
	"github.com/foiaflow/pkg/models"
)

// stack holds the fully wired pipeline shared by the api and worker commands.
type stack struct {
	cfg       *config.Config
	store     store.Store
	queue     *jobqueue.JobQueue
	decisions *pipeline.DecisionHandler
	tokens    *pipeline.TokenService
	logger    zerolog.Logger
}

func buildStack(ctx context.Context, c *cli.Context) (*stack, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(c.String("log-level"), c.Bool("pretty"))

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	st := store.NewPostgresStore(db)

	cap, err := capability.NewLangchainClient(ctx, capability.Options{
		Provider: cfg.Capability.Provider,
		Model:    cfg.Capability.Model,
		APIKey:   cfg.Capability.APIKey,
		Timeout:  cfg.CapabilityTimeout(),
		RetryConfig: retry.RetryConfig{
			MaxRetries: cfg.Capability.MaxRetries,
			BaseDelay:  retry.DefaultRetryConfig().BaseDelay,
			MaxDelay:   retry.DefaultRetryConfig().MaxDelay,
			Multiplier: retry.DefaultRetryConfig().Multiplier,
			Jitter:     true,
		},
		RatePerMinute: cfg.Capability.RatePerMinute,
	}, logger)
	if err != nil {
		return nil, err
	}

	intents := make([]models.Intent, 0, len(cfg.Policy.AlwaysHumanIntents))
	for _, name := range cfg.Policy.AlwaysHumanIntents {
		intents = append(intents, models.Intent(name))
	}
	decider := policy.New(policy.Defaults{
		AutoApproveFeeCents: cfg.Policy.AutoApproveFeeCents,
		NegotiateMultiplier: cfg.Policy.NegotiateMultiplier,
		AlwaysHumanIntents:  intents,
	}, logger)

	// Browser and inbox backends are injection points; without one, portal
	// dispatch fails closed and the proposal routes to a human.
	dispatcher := executor.New(
		st,
		executor.NewSMTPSender(executor.SMTPConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, logger),
		executor.NewPortalExecutor(nil, nil, logger),
		cfg.DispatchTimeout(),
		logger,
	)

	coordinator := pipeline.NewCoordinator(
		st,
		classifier.New(cap, logger),
		decider,
		drafter.New(cap, logger),
		safety.New(logger),
		dispatcher,
		cfg.HeartbeatInterval(),
		logger,
	)

	queueCfg := jobqueue.DefaultQueueConfig()
	queueCfg.MonitorInterval = cfg.MonitorInterval()
	queueCfg.StalenessWindow = cfg.RunStalenessWindow()
	queue, err := jobqueue.NewJobQueue(cfg.Database.URL, coordinator, dispatcher, st, queueCfg, logger)
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:       cfg,
		store:     st,
		queue:     queue,
		decisions: pipeline.NewDecisionHandler(st, drafter.New(cap, logger), safety.New(logger), queue, logger),
		tokens:    pipeline.NewTokenService(cfg.ResumeTokenSecret),
		logger:    logger,
	}, nil
}
