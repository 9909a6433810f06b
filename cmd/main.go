package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"persona-chat/handler"
	"persona-chat/internal/command"
	"persona-chat/internal/config"
	"persona-chat/internal/idempotency"
	"persona-chat/internal/integrations/openai"
	"persona-chat/internal/integrations/paramstore"
	"persona-chat/internal/repository"
	"persona-chat/internal/resolver"
	"persona-chat/internal/scheduler"
	"persona-chat/internal/splitter"
	"persona-chat/internal/usecase"
	"persona-chat/internal/validate"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, repository.WithWalletID(cfg.WalletID))
	if err != nil {
		fatal("failed to create state client", err)
	}
	personas, err := paramstore.NewPersonaStore(ssmClient, cfg.ParamPrefix, cfg.PersonaCacheSize)
	if err != nil {
		fatal("failed to create persona store", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Reply pipeline ----
	repairer, err := validate.NewRepairer(openaiClient, logger)
	if err != nil {
		fatal("failed to create repairer", err)
	}
	rules := resolver.DefaultRules()
	if cfg.RulesPath != "" {
		if rules, err = resolver.LoadRules(cfg.RulesPath); err != nil {
			fatal("failed to load decision rules", err)
		}
	}
	classifier, err := resolver.NewLLMClassifier(openaiClient, cfg.Classifier(), cfg.CallTimeout)
	if err != nil {
		fatal("failed to create classifier", err)
	}
	guard, err := idempotency.NewGuard(cfg.GuardCapacity)
	if err != nil {
		fatal("failed to create idempotency guard", err)
	}
	applier, err := resolver.NewApplier(stateClient, stateClient, guard, logger)
	if err != nil {
		fatal("failed to create applier", err)
	}
	sched := scheduler.New(cfg.MaxBackgroundTasks, logger, scheduler.WithTaskTimeout(cfg.TaskTimeout))

	var tracks command.TrackResolver
	if cfg.TrackCatalog {
		catalog, err := paramstore.LoadTrackCatalog(ctx, ssmClient, cfg.ParamPrefix)
		if catalog == nil {
			fatal("failed to load track catalog", err)
		}
		if err != nil {
			logger.Warn("skipped malformed tracks", "err", err)
		}
		logger.Info("track catalog loaded", "tracks", catalog.Len())
		tracks = catalog
	}

	// ---- Handler ----
	deps := usecase.Deps{
		Params:    ssmClient,
		Personas:  personas,
		LLM:       openaiClient,
		Messages:  stateClient,
		Pending:   stateClient,
		Moods:     stateClient,
		Meta:      stateClient,
		Presence:  stateClient,
		Locks:     stateClient,
		Views:     stateClient,
		Repairer:  repairer,
		Splitter:  splitter.New(splitter.DefaultConfig(), command.NewParser(tracks)),
		Planner:   resolver.New(rules, classifier, logger),
		Applier:   applier,
		Scheduler: sched,
		Logger:    logger,
	}
	if cfg.ModerateInput {
		deps.Moderator = openaiClient
	}
	if cfg.CrossConversations > 0 && cfg.CrossMessages > 0 {
		deps.Related = stateClient
	}
	turns, err := usecase.NewTurnService(deps, usecase.Options{
		ParamPrefix:      cfg.ParamPrefix,
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		CallTimeout:      cfg.CallTimeout,
		TurnTimeout:      cfg.TurnTimeout,
		MaxContextItems:  cfg.MaxContextItems,
		MaxContextChars:  cfg.MaxContextChars,
		MaxMessageLength: cfg.MaxMessageLength,
		ElapsedThreshold: cfg.ElapsedThreshold,
		WaitForDelivery:  cfg.WaitForDelivery,
		ModerateInput:    cfg.ModerateInput,

		CrossConversations: cfg.CrossConversations,
		CrossMessages:      cfg.CrossMessages,
	})
	if err != nil {
		fatal("failed to create turn service", err)
	}

	h, err := handler.NewHandler(turns)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
