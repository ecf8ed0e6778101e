package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"farmvision-backend/cmd"
	"farmvision-backend/internal/api"
	"farmvision-backend/internal/config"
	"farmvision-backend/internal/core"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/messaging"
	"farmvision-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root string `env:"ROOT" envDefault:"./farmvision"`
	Port int    `env:"PORT" envDefault:"8000"`
	// HostModelDir can be used to pass pre-trained <stage>/ model dirs, they
	// are registered and served unless a model id is configured for the stage.
	HostModelDir string `env:"HOST_MODEL_DIR"`

	Serving  config.ServingConfig
	Training config.TrainingConfig
}

const modelBucket = "models"

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "farmvision.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue requeues the jobs that were still queued when the process last
// stopped.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var models []database.Model
	if err := db.Where("status = ?", database.ModelQueued).Order("creation_time").Find(&models).Error; err != nil {
		log.Fatalf("Failed to fetch queued models from database: %v", err)
	}

	var evals []database.ModelEvaluation
	if err := db.Where("status = ?", database.JobQueued).Order("creation_time").Find(&evals).Error; err != nil {
		log.Fatalf("Failed to fetch queued evaluations from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, model := range models {
		if err := queue.PublishTrainingTask(context.Background(), messaging.TrainingTaskPayload{
			ModelId:    model.Id,
			Stage:      model.Stage,
			DatasetDir: model.DatasetDir,
			RawDir:     model.RawDir.String,
			SplitRatio: model.SplitRatio,
			Seed:       model.Seed,
		}); err != nil {
			log.Fatalf("Failed to publish training task: %v", err)
		}
	}

	for _, eval := range evals {
		if err := queue.PublishEvaluationTask(context.Background(), messaging.EvaluationTaskPayload{
			EvaluationId:    eval.Id,
			ModelId:         eval.ModelId,
			DatasetDir:      eval.DatasetDir,
			SamplesPerClass: eval.SamplesPerClass,
		}); err != nil {
			log.Fatalf("Failed to publish evaluation task: %v", err)
		}
	}

	slog.Info("requeued pending jobs", "training", len(models), "evaluation", len(evals))

	return queue
}

// loadPredictor returns nil when there is nothing to serve yet, so that
// models can still be trained through the job API.
func loadPredictor(db *gorm.DB, store storage.ObjectStore, cfg config.ServingConfig) (api.Predictor, func()) {
	_, err := os.Stat(core.StageTypeDetector.ModelPath(cfg.ModelDir))
	if os.IsNotExist(err) && cfg.TypeDetectorModelId == "" && cfg.ModelType == string(core.OnnxModel) {
		slog.Warn("no type detector model found, serving without predictions", "model_dir", cfg.ModelDir)
		return nil, func() {}
	}

	pipeline, err := cmd.LoadPipeline(context.Background(), db, store, modelBucket, cfg)
	if err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}
	return pipeline, pipeline.Release
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	if cfg.Serving.ModelDir == "" {
		cfg.Serving.ModelDir = filepath.Join(cfg.Root, "serving")
	}

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "model_dir", cfg.Serving.ModelDir, "model_type", cfg.Serving.ModelType)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	if err := store.CreateBucket(context.Background(), modelBucket); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	if cfg.HostModelDir != "" {
		ids, err := cmd.ImportStageModels(context.Background(), db, store, modelBucket, cfg.HostModelDir, "pretrained")
		if err != nil {
			log.Fatalf("Failed to import pre-trained models: %v", err)
		}
		for stage, id := range ids {
			switch stage {
			case core.StageTypeDetector:
				setDefault(&cfg.Serving.TypeDetectorModelId, id.String())
			case core.StageCattleBreed:
				setDefault(&cfg.Serving.CattleBreedModelId, id.String())
			case core.StageBuffaloBreed:
				setDefault(&cfg.Serving.BuffaloBreedModelId, id.String())
			}
		}
	}

	destroy, err := cfg.Serving.Init()
	if err != nil {
		log.Fatalf("Failed to initialize model runtime: %v", err)
	}

	loader, err := cfg.Serving.Loader()
	if err != nil {
		log.Fatalf("invalid model config: %v", err)
	}

	trainer, err := core.NewTrainer(cfg.Training.TrainCommand)
	if err != nil {
		log.Fatalf("invalid training config: %v", err)
	}

	predictor, release := loadPredictor(db, store, cfg.Serving)

	queue := createQueue(db)

	worker := core.NewTaskProcessor(db, store, queue, queue, trainer, core.TaskProcessorOptions{
		LocalModelDir:     filepath.Join(cfg.Root, "models"),
		ModelBucket:       modelBucket,
		RecipeDir:         cfg.Training.RecipeDir,
		Loader:            loader,
		Preprocess:        cfg.Serving.Preprocess,
		EvaluationWorkers: cfg.Training.EvaluationWorkers,
	})

	r := cmd.NewRouter()
	api.NewBackendService(db, store, queue, modelBucket).AddRoutes(r)
	api.NewPredictionService(predictor).AddRoutes(r)

	slog.Info("starting worker")
	go worker.Start()

	cmd.Serve(fmt.Sprintf(":%d", cfg.Port), r, worker.Stop, release, destroy)
}

func setDefault(value *string, def string) {
	if *value == "" {
		*value = def
	}
}
