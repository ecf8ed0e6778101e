package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"farmvision-backend/cmd"
	"farmvision-backend/internal/config"
	"farmvision-backend/internal/core"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/messaging"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL   string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL   string `env:"RABBITMQ_URL,notEmpty,required"`
	LocalModelDir string `env:"LOCAL_MODEL_DIR" envDefault:"/tmp/farmvision/models"`

	S3       config.S3Config
	Models   config.ModelConfig
	Training config.TrainingConfig
}

func main() {
	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.OpenModelStore(context.Background(), cfg.S3)

	destroy, err := cfg.Models.Init()
	if err != nil {
		log.Fatalf("Failed to initialize model runtime: %v", err)
	}
	defer destroy()

	loader, err := cfg.Models.Loader()
	if err != nil {
		log.Fatalf("invalid model config: %v", err)
	}

	trainer, err := core.NewTrainer(cfg.Training.TrainCommand)
	if err != nil {
		log.Fatalf("invalid training config: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	worker := core.NewTaskProcessor(db, store, publisher, receiver, trainer, core.TaskProcessorOptions{
		LocalModelDir:     cfg.LocalModelDir,
		ModelBucket:       cfg.S3.ModelBucket,
		RecipeDir:         cfg.Training.RecipeDir,
		Loader:            loader,
		Preprocess:        cfg.Models.Preprocess,
		EvaluationWorkers: cfg.Training.EvaluationWorkers,
	})

	slog.Info("worker started, waiting for tasks", "queues", messaging.Queues, "local_model_dir", cfg.LocalModelDir)
	go worker.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping worker")
	worker.Stop()
	slog.Info("worker stopped")
}
