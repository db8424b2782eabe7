package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/app"
	"github.com/vladislavdragonenkov/shopcore/internal/version"
)

const envLogLevel = "SHOP_LOG_LEVEL"

// parseLogLevel разбирает уровень логирования; пустое значение означает info.
func parseLogLevel(raw string) (log.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(raw)
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(raw string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level, err := parseLogLevel(raw)
	if err != nil {
		log.WithError(err).Warn("неизвестный уровень логирования, используем info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// loadDotEnv подхватывает .env, если он есть. Уже заданные переменные не перезаписываются.
func loadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	if err := loadDotEnv(); err != nil {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	setupLogger(os.Getenv(envLogLevel))

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"webhook_addr": cfg.WebhookAddr,
		"storage":      cfg.StorageDriver,
	}).Info("запускаем shop-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("shop-service остановлен")
}
