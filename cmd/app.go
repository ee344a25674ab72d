package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"llm-relay/internal/catalog"
	"llm-relay/internal/chat"
	"llm-relay/internal/config"
	"llm-relay/internal/contextbuilder"
	"llm-relay/internal/logging"
	"llm-relay/internal/provider"
	providerfactory "llm-relay/internal/provider/factory"
	"llm-relay/internal/router"
	"llm-relay/internal/store"
	"llm-relay/internal/tasks"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	router *router.Router
	store  store.Store
	chat   *chat.Orchestrator
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, cat, logger); err != nil {
		return nil, err
	}
	rt := router.New(registry)

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	orch := chat.New(chat.Options{
		Router:        rt,
		Messages:      st,
		Conversations: st,
		Aborts:        st,
		Tasks:         tasks.NewModelSink(rt, cfg.Chat.TitleModel, logger.Named("tasks")),
		Summarizer:    chat.NewModelSummarizer(rt, cfg.Chat.SummaryModel),
		Strategy:      contextbuilder.Strategy(cfg.Chat.Strategy),
		MinMessages:   cfg.Chat.MinMessages,
		Logger:        logger.Named("chat"),
	})

	return &app{cfg: cfg, logger: logger, router: rt, store: st, chat: orch}, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		st, err := store.NewSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
