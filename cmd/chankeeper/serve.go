// serve.go — команда serve: планировщик, мониторинг зависимостей и HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/urfave/cli"

	"github.com/bigkaa/chankeeper/internal/api/handlers"
	"github.com/bigkaa/chankeeper/internal/api/middleware"
	"github.com/bigkaa/chankeeper/internal/config"
	"github.com/bigkaa/chankeeper/internal/server"
	"github.com/bigkaa/chankeeper/internal/service"
)

func serve(_ *cli.Context) error {
	// 1. Загрузка конфигурации и настройка логирования
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("chankeeper запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("media_dir", cfg.MediaDir),
	)

	if os.Getenv("CK_DEPHEALTH_GROUP") == "" {
		logger.Warn("CK_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 2. Миграции, хранилище состояния, архив и задача загрузки
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := openEnv(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return err
	}
	defer env.Close()

	// 3. Блокировки, брошенные упавшими экземплярами
	if reaped, err := env.coord.ReapStale(ctx, cfg.LockStaleAfter); err != nil {
		logger.Warn("Ошибка снятия зависших блокировок", slog.String("error", err.Error()))
	} else if len(reaped) > 0 {
		logger.Warn("Сняты зависшие блокировки", slog.Any("jobs", reaped))
	}

	// 4. Перенос очереди старого формата
	if n, err := env.coord.ImportLegacyQueue(ctx, cfg.JobName); err != nil {
		logger.Warn("Ошибка переноса старой очереди", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Старая очередь перенесена", slog.Int("entries", n))
	}

	// 5. Планировщик и сервисы управления
	scheduler := service.NewScheduler(env.coord.RunScheduled, logger)
	control := env.control(scheduler, service.NewStatusCache(cfg.StatusCacheTTL))

	schedule := control.StoredSchedule(ctx, cfg.JobName, cfg.Schedule)
	if err := scheduler.Register(cfg.JobName, schedule); err != nil {
		logger.Error("Ошибка регистрации расписания", slog.String("error", err.Error()))
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 6. topologymetrics — мониторинг зависимостей (PostgreSQL + JWKS)
	targets := service.DephealthTargets{JWKSURL: cfg.JWTJWKSURL}
	if env.backend.Pool != nil {
		// Проверка через существующий пул, чтобы видеть его исчерпание
		pgDB := stdlib.OpenDBFromPool(env.backend.Pool)
		defer pgDB.Close()
		targets.DB = pgDB
		targets.PGConnURL = cfg.DatabaseURL()
	}
	dephealthSvc, err := service.NewDephealthService("chankeeper", cfg.DephealthGroup, targets,
		cfg.DephealthCheckInterval, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("topologymetrics: нет внешних зависимостей для мониторинга")
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	default:
		if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		} else {
			defer dephealthSvc.Stop()
		}
	}

	// 7. JWT middleware (только при заданном CK_JWT_JWKS_URL)
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTLeeway, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			return err
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("write_scope", cfg.WriteScope),
		)
	} else {
		logger.Warn("CK_JWT_JWKS_URL не задан, API доступно без аутентификации")
	}

	// 8. HTTP-сервер
	apiHandler := handlers.NewAPIHandler(
		handlers.NewHealthHandler(env.backend.Ready),
		control,
		env.sources,
		logger,
	)
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		return err
	}

	// 9. Остановка фоновых задач (defer): отмена ctx прерывает текущий проход
	cancel()
	logger.Info("chankeeper остановлен")
	return nil
}
