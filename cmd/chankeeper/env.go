// env.go — сборка сервисного слоя поверх хранилища состояния.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bigkaa/chankeeper/internal/config"
	"github.com/bigkaa/chankeeper/internal/database"
	"github.com/bigkaa/chankeeper/internal/service"
	"github.com/bigkaa/chankeeper/internal/storage/mediastore"
	"github.com/bigkaa/chankeeper/internal/ytdlp"
)

// appEnv — открытое хранилище и сервисы одной задачи загрузки.
type appEnv struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   *database.Backend
	store     *mediastore.MediaStore
	retention *service.RetentionPolicy
	coord     *service.Coordinator
	job       *service.Job
	sources   *service.SourceService
}

// loadConfig читает конфигурацию и настраивает логирование.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

// openEnv применяет миграции, открывает хранилище состояния и архив,
// регистрирует задачу cfg.JobName с загрузчиком yt-dlp.
func openEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*appEnv, error) {
	if err := database.Migrate(cfg, logger); err != nil {
		return nil, err
	}

	backend, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := mediastore.NewOS(cfg.MediaDir)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("архив %s: %w", cfg.MediaDir, err)
	}

	retention := service.NewRetentionPolicy(backend.Repos.Items, store, logger)
	coord := service.NewCoordinator(backend.Repos, retention, service.JobOptions{
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		QueueTimeout:  cfg.QueueTimeout,
		QueueMaxDepth: cfg.QueueMaxDepth,
	}, logger)

	downloader := ytdlp.NewDownloader(
		ytdlp.NewExecRunner(cfg.YtdlpPath, cfg.YtdlpTimeout),
		backend.Repos.Items,
		store,
		ytdlp.NewLimiter(cfg.DownloadRate, cfg.DownloadBurst),
		logger,
	)
	job, err := coord.Register(cfg.JobName, downloader)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &appEnv{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		store:     store,
		retention: retention,
		coord:     coord,
		job:       job,
		sources:   service.NewSourceService(backend.Repos, logger),
	}, nil
}

// control создаёт сервис управления задачами. scheduler и cache могут быть nil.
func (env *appEnv) control(scheduler *service.Scheduler, cache *service.StatusCache) *service.ControlService {
	return service.NewControlService(env.coord, env.backend.Repos, env.retention, scheduler, cache, env.logger)
}

func (env *appEnv) Close() {
	env.backend.Close()
}

// withEnv — обёртка команд, которым нужно открытое хранилище.
func withEnv(fn func(ctx context.Context, env *appEnv) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	env, err := openEnv(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}
