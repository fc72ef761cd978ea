package main

import (
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db"
	"github.com/zulandar/teamyard/internal/history"
	"github.com/zulandar/teamyard/internal/llm/providers"
	"github.com/zulandar/teamyard/internal/logging"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/notify"
	"github.com/zulandar/teamyard/internal/notify/discord"
	"github.com/zulandar/teamyard/internal/notify/slack"
	"github.com/zulandar/teamyard/internal/orchestration"
)

// newModelFactory builds the provider-backed model factory. Tests replace it.
var newModelFactory = func(cfg *config.Config, m *metrics.Collector, log *zap.Logger) orchestration.ModelFactory {
	return providers.NewFactory(cfg.Providers, m, log)
}

// loadConfig reads path. A missing file at the default path falls back to
// built-in defaults so `ty run team.yaml` works without any setup.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openDB connects and migrates.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

// app is the wired runtime shared by serve and run.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	metrics  *metrics.Collector
	recorder *history.Recorder
	relay    *notify.Relay
	manager  *orchestration.Manager
}

func openApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     logger,
		db:      gdb,
		metrics: metrics.NewCollector("teamyard", logger),
	}
	a.recorder = buildRecorder(cfg.History, gdb, logger)
	a.relay = buildRelay(cfg.Notify, logger)

	a.manager, err = orchestration.NewManager(orchestration.Options{
		Config:   cfg.Orchestration,
		DB:       gdb,
		Models:   newModelFactory(cfg, a.metrics, logger),
		Metrics:  a.metrics,
		Logger:   logger,
		Recorder: a.recorder,
		Relay:    a.relay,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func buildRecorder(cfg config.HistoryConfig, gdb *gorm.DB, log *zap.Logger) *history.Recorder {
	if !cfg.Enabled {
		return nil
	}
	var sinks []history.Sink
	if cfg.Database {
		sinks = append(sinks, history.NewGormSink(gdb))
	}
	if cfg.Redis.Addr != "" {
		rs, err := history.NewRedisSink(cfg.Redis)
		if err != nil {
			log.Warn("history: redis sink disabled", zap.Error(err))
		} else {
			sinks = append(sinks, rs)
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return history.NewRecorder(cfg.Buffer, log, sinks...)
}

func buildRelay(cfg config.NotifyConfig, log *zap.Logger) *notify.Relay {
	var notifiers []notify.Notifier
	if cfg.Slack.Enabled() {
		n, err := slack.New(cfg.Slack.BotToken, cfg.Slack.ChannelID)
		if err != nil {
			log.Warn("notify: slack disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(cfg.Discord.BotToken, cfg.Discord.ChannelID, log)
		if err != nil {
			log.Warn("notify: discord disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, n)
		}
	}
	return notify.NewRelay(cfg.Events, log, notifiers...)
}

// Close stops every session, then drains the recorder and relays before
// releasing the database.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	a.recorder.Close()
	if err := a.relay.Close(); err != nil {
		a.log.Warn("notify: close", zap.Error(err))
	}
	if a.db != nil {
		db.Close(a.db)
	}
	a.log.Sync()
}
