package main

import (
	"context"
	"log"
	"log/slog"

	"farmvision-backend/cmd"
	"farmvision-backend/internal/api"
	"farmvision-backend/internal/config"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
)

type APIConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort     string `env:"API_PORT" envDefault:"8000"`

	S3      config.S3Config
	Serving config.ServingConfig
}

func main() {
	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	if cfg.Serving.ModelDir == "" {
		log.Fatalf("MODEL_DIR must be set")
	}

	slog.Info("starting api server", "port", cfg.APIPort, "model_dir", cfg.Serving.ModelDir,
		"model_type", cfg.Serving.ModelType, "bucket", cfg.S3.ModelBucket)

	ctx := context.Background()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.OpenModelStore(ctx, cfg.S3)

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	destroy, err := cfg.Serving.Init()
	if err != nil {
		log.Fatalf("Failed to initialize model runtime: %v", err)
	}

	// Every stage the type detector needs must load, otherwise the server
	// does not start.
	pipeline, err := cmd.LoadPipeline(ctx, db, store, cfg.S3.ModelBucket, cfg.Serving)
	if err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}

	r := cmd.NewRouter()
	api.NewBackendService(db, store, publisher, cfg.S3.ModelBucket).AddRoutes(r)
	api.NewPredictionService(pipeline).AddRoutes(r)

	cmd.Serve(":"+cfg.APIPort, r, publisher.Close, pipeline.Release, destroy)
}
