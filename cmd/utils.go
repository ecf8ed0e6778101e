package cmd

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"farmvision-backend/internal/config"
	"farmvision-backend/internal/core"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300, // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	return r
}

// Serve runs the http server until SIGINT or SIGTERM, then drains in-flight
// requests for up to 30 seconds and runs the given cleanups in order.
func Serve(addr string, handler http.Handler, cleanups ...func()) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: addr, Handler: handler}

	errs := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen on %s: %v", addr, err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}

	for _, cleanup := range cleanups {
		cleanup()
	}
	slog.Info("server stopped")
}

// OpenModelStore connects to the S3 model bucket, creating it if needed.
func OpenModelStore(ctx context.Context, cfg config.S3Config) *storage.S3ObjectStore {
	store, err := storage.NewS3ObjectStore(cfg.ClientConfig())
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}
	if err := store.CreateBucket(ctx, cfg.ModelBucket); err != nil {
		log.Fatalf("Failed to create model bucket %s: %v", cfg.ModelBucket, err)
	}
	return store
}

// ImportStageModels registers every pre-trained stage found under
// hostModelDir/<stage>/ as a TRAINED model named <prefix>-<stage> and uploads
// it to the model bucket, unless the bucket already holds it.
func ImportStageModels(ctx context.Context, db *gorm.DB, store storage.ObjectStore, bucket, hostModelDir, prefix string) (map[core.Stage]uuid.UUID, error) {
	ids := make(map[core.Stage]uuid.UUID)

	for _, stage := range core.Stages {
		if _, err := os.Stat(stage.ModelPath(hostModelDir)); err != nil {
			if os.IsNotExist(err) {
				slog.Warn("no pre-trained model for stage, skipping import", "stage", stage, "dir", stage.Dir(hostModelDir))
				continue
			}
			return nil, fmt.Errorf("failed to stat model for stage %s: %w", stage, err)
		}

		id, err := importStageModel(ctx, db, store, bucket, stage, hostModelDir, prefix+"-"+string(stage))
		if err != nil {
			return nil, err
		}
		ids[stage] = id
	}

	return ids, nil
}

func importStageModel(ctx context.Context, db *gorm.DB, store storage.ObjectStore, bucket string, stage core.Stage, hostModelDir, name string) (uuid.UUID, error) {
	var model database.Model
	err := db.WithContext(ctx).Where("name = ? AND stage = ?", name, string(stage)).First(&model).Error

	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return uuid.Nil, fmt.Errorf("error querying model: %w", err)
	}

	if isNew {
		model.Id = uuid.New()
		model.Name = name
		model.Stage = string(stage)
		model.Status = database.ModelTrained
		model.DatasetDir = stage.Dir(hostModelDir)
		model.ArtifactPath = sql.NullString{String: model.Id.String(), Valid: true}
		model.CreationTime = time.Now().UTC()
		model.CompletionTime = sql.NullTime{Time: model.CreationTime, Valid: true}

		if classes, err := core.LoadClassIndexMap(stage.ClassIndexPath(hostModelDir)); err == nil {
			for _, class := range classes.Names() {
				idx, _ := classes.Index(class)
				model.Classes = append(model.Classes, database.ModelClass{ModelId: model.Id, ClassIndex: idx, Name: class})
			}
		} else {
			slog.Warn("pre-trained model has no class index map", "stage", stage, "error", err)
		}

		if err := db.WithContext(ctx).Create(&model).Error; err != nil {
			return uuid.Nil, fmt.Errorf("failed to create model record: %w", err)
		}
	}

	prefix := path.Join(model.Id.String(), string(stage))

	objs, err := store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		slog.Error("failed to list objects for model", "model_id", model.Id, "error", err)
	} else if len(objs) > 0 {
		slog.Info("model already uploaded, skipping upload", "model_id", model.Id, "stage", stage)
		return model.Id, nil
	}

	if err := store.UploadDir(ctx, bucket, prefix, stage.Dir(hostModelDir)); err != nil {
		database.SaveModelFailure(ctx, db, model.Id, err)
		return uuid.Nil, fmt.Errorf("error uploading %s model: %w", stage, err)
	}
	slog.Info("successfully uploaded pre-trained model", "model_id", model.Id, "stage", stage)

	return model.Id, nil
}

// DownloadStageModels fetches the trained stage models named by ids from the
// model bucket into modelDir/<stage>/. Stages without an id are left as they
// are.
func DownloadStageModels(ctx context.Context, db *gorm.DB, store storage.ObjectStore, bucket, modelDir string, ids map[core.Stage]string) error {
	for _, stage := range core.Stages {
		if ids[stage] == "" {
			continue
		}

		modelId, err := uuid.Parse(ids[stage])
		if err != nil {
			return fmt.Errorf("invalid model id '%s' for stage %s: %w", ids[stage], stage, err)
		}

		var model database.Model
		if err := db.WithContext(ctx).First(&model, "id = ?", modelId).Error; err != nil {
			return fmt.Errorf("error getting model %s: %w", modelId, err)
		}
		if model.Stage != string(stage) {
			return fmt.Errorf("model %s is a %s model, not %s", modelId, model.Stage, stage)
		}
		if model.Status != database.ModelTrained || !model.ArtifactPath.Valid {
			return fmt.Errorf("model %s is not trained (status %s)", modelId, model.Status)
		}

		prefix := path.Join(model.ArtifactPath.String, string(stage))
		if err := store.DownloadDir(ctx, bucket, prefix, stage.Dir(modelDir), true); err != nil {
			return fmt.Errorf("failed to download %s model %s: %w", stage, modelId, err)
		}
		slog.Info("downloaded stage model", "stage", stage, "model_id", modelId, "dir", stage.Dir(modelDir))
	}
	return nil
}

// LoadPipeline downloads any stage models configured by id and loads the
// cascade from cfg.ModelDir.
func LoadPipeline(ctx context.Context, db *gorm.DB, store storage.ObjectStore, bucket string, cfg config.ServingConfig) (*core.Pipeline, error) {
	if err := DownloadStageModels(ctx, db, store, bucket, cfg.ModelDir, cfg.StageModelIds()); err != nil {
		return nil, err
	}

	pipelineCfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}

	return core.LoadPipeline(pipelineCfg, cfg.Loaders())
}
