package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"farmvision-backend/internal/database"
	"farmvision-backend/internal/dataset"
	"farmvision-backend/internal/messaging"
	"farmvision-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModelTrainer is satisfied by *Trainer.
type ModelTrainer interface {
	Train(ctx context.Context, opts TrainOptions) (TrainResult, error)
}

type TaskProcessorOptions struct {
	// LocalModelDir holds one directory per model id, laid out as
	// <model_id>/<stage>/model.onnx.
	LocalModelDir string
	ModelBucket   string
	// RecipeDir may contain <stage>.yaml overrides of the default recipes.
	RecipeDir string
	// Loader loads trained stage models for evaluation.
	Loader            ClassifierLoader
	Preprocess        PreprocessConfig
	EvaluationWorkers int
}

// TaskProcessor runs training and evaluation tasks from a Reciever one at a
// time. Stop cancels the task in progress.
type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever
	trainer   ModelTrainer

	opts TaskProcessorOptions

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, trainer ModelTrainer, opts TaskProcessorOptions) *TaskProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskProcessor{
		db:        db,
		storage:   storage,
		publisher: publisher,
		reciever:  reciever,
		trainer:   trainer,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "local_model_dir", proc.opts.LocalModelDir, "bucket", proc.opts.ModelBucket)

	for task := range proc.reciever.Tasks() {
		if proc.ctx.Err() != nil {
			return
		}
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	proc.stopOnce.Do(func() {
		slog.Info("stopping task processor")

		proc.cancel()
		proc.publisher.Close()
		proc.reciever.Close()
	})
}

// decodePayload rejects tasks whose payload cannot be decoded, they would
// fail the same way on every redelivery.
func decodePayload[T any](task messaging.Task) (T, bool) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("discarding malformed task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "queue", task.Type(), "error", err)
		}
		return payload, false
	}
	return payload, true
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	start := time.Now()

	var err error
	switch task.Type() {
	case messaging.TrainingQueue:
		payload, ok := decodePayload[messaging.TrainingTaskPayload](task)
		if !ok {
			return
		}
		err = proc.processTrainingTask(proc.ctx, payload)

	case messaging.EvaluationQueue:
		payload, ok := decodePayload[messaging.EvaluationTaskPayload](task)
		if !ok {
			return
		}
		err = proc.processEvaluationTask(proc.ctx, payload)

	default:
		slog.Error("discarding task from unknown queue", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "queue", task.Type(), "error", err)
		}
		return
	}

	settle(task, err, time.Since(start))
}

func settle(task messaging.Task, err error, elapsed time.Duration) {
	if err != nil {
		slog.Error("task failed", "queue", task.Type(), "duration", elapsed, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error nacking task", "queue", task.Type(), "error", err)
		}
		return
	}

	slog.Info("task completed", "queue", task.Type(), "duration", elapsed)
	if err := task.Ack(); err != nil {
		slog.Error("error acking task", "queue", task.Type(), "error", err)
	}
}

func (proc *TaskProcessor) getModelDir(modelId uuid.UUID) string {
	return filepath.Join(proc.opts.LocalModelDir, modelId.String())
}

func (proc *TaskProcessor) getModel(ctx context.Context, modelId uuid.UUID) (database.Model, error) {
	var model database.Model
	err := proc.db.WithContext(ctx).Preload("Classes").First(&model, "id = ?", modelId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return database.Model{}, fmt.Errorf("model %s does not exist", modelId)
	}
	if err != nil {
		return database.Model{}, fmt.Errorf("error getting model %s: %w", modelId, err)
	}
	return model, nil
}

func (proc *TaskProcessor) recipe(stage Stage) (Recipe, error) {
	if proc.opts.RecipeDir != "" {
		path := filepath.Join(proc.opts.RecipeDir, string(stage)+".yaml")
		if _, err := os.Stat(path); err == nil {
			slog.Info("using recipe override", "stage", stage, "path", path)
			return LoadRecipe(path, stage)
		}
	}
	return DefaultRecipe(stage), nil
}

func (proc *TaskProcessor) processTrainingTask(ctx context.Context, payload messaging.TrainingTaskPayload) error {
	modelId := payload.ModelId

	if err := proc.trainModel(ctx, payload); err != nil {
		database.SaveModelFailure(context.WithoutCancel(ctx), proc.db, modelId, err)
		return err
	}
	return nil
}

func (proc *TaskProcessor) trainModel(ctx context.Context, payload messaging.TrainingTaskPayload) error {
	modelId := payload.ModelId

	if err := database.UpdateModelStatus(ctx, proc.db, modelId, database.ModelTraining); err != nil {
		return fmt.Errorf("error updating model status: %w", err)
	}

	slog.Info("processing training task", "model_id", modelId, "stage", payload.Stage, "dataset_dir", payload.DatasetDir)

	stage, err := ParseStage(payload.Stage)
	if err != nil {
		return err
	}

	if payload.RawDir != "" {
		report, err := dataset.Split(ctx, dataset.SplitOptions{
			InputDir:  payload.RawDir,
			OutputDir: payload.DatasetDir,
			Ratio:     payload.SplitRatio,
			Seed:      payload.Seed,
			Classes:   payload.Classes,
		})
		if err != nil {
			return fmt.Errorf("error splitting dataset: %w", err)
		}
		slog.Info("dataset split", "model_id", modelId, "train", report.Train, "val", report.Val)
	}

	recipe, err := proc.recipe(stage)
	if err != nil {
		return err
	}

	localDir := proc.getModelDir(modelId)
	result, err := proc.trainer.Train(ctx, TrainOptions{
		DatasetDir: payload.DatasetDir,
		OutputDir:  stage.Dir(localDir),
		Recipe:     recipe,
	})
	if err != nil {
		return fmt.Errorf("error training model: %w", err)
	}

	if err := proc.storage.UploadDir(ctx, proc.opts.ModelBucket, modelId.String(), localDir); err != nil {
		return fmt.Errorf("error uploading model: %w", err)
	}

	slog.Info("trained model uploaded", "model_id", modelId, "bucket", proc.opts.ModelBucket)

	classes := make([]database.ModelClass, 0, result.Classes.Len())
	for _, name := range result.Classes.Names() {
		idx, _ := result.Classes.Index(name)
		class := database.ModelClass{ClassIndex: idx, Name: name, TrainCount: result.ClassCounts[name]}
		if w, ok := result.ClassWeights[idx]; ok {
			class.Weight.Float64, class.Weight.Valid = w, true
		}
		classes = append(classes, class)
	}

	if err := database.SaveTrainedModel(ctx, proc.db, modelId, modelId.String(), classes); err != nil {
		return fmt.Errorf("error saving trained model: %w", err)
	}

	slog.Info("training completed", "model_id", modelId, "stage", stage, "classes", result.Classes.Names())

	return nil
}

func (proc *TaskProcessor) loadStageModel(ctx context.Context, model database.Model) (StageModel, error) {
	stage, err := ParseStage(model.Stage)
	if err != nil {
		return StageModel{}, err
	}

	localDir := proc.getModelDir(model.Id)
	if _, err := os.Stat(stage.ModelPath(localDir)); os.IsNotExist(err) {
		slog.Info("model not found locally, downloading", "model_id", model.Id)

		if err := proc.storage.DownloadDir(ctx, proc.opts.ModelBucket, model.Id.String(), localDir, true); err != nil {
			return StageModel{}, fmt.Errorf("failed to download model: %w", err)
		}
	}

	return LoadStageModel(proc.opts.Loader, stage, localDir)
}

// evaluationDir accepts either a split dataset root or its val folder.
func evaluationDir(dir string) string {
	val := filepath.Join(dir, dataset.ValDir)
	if info, err := os.Stat(val); err == nil && info.IsDir() {
		return val
	}
	return dir
}

func (proc *TaskProcessor) processEvaluationTask(ctx context.Context, payload messaging.EvaluationTaskPayload) error {
	if err := proc.evaluateModel(ctx, payload); err != nil {
		database.SaveEvaluationFailure(context.WithoutCancel(ctx), proc.db, payload.EvaluationId, err)
		return err
	}
	return nil
}

func (proc *TaskProcessor) evaluateModel(ctx context.Context, payload messaging.EvaluationTaskPayload) error {
	if err := database.UpdateEvaluationStatus(ctx, proc.db, payload.EvaluationId, database.JobRunning); err != nil {
		return fmt.Errorf("error updating evaluation status: %w", err)
	}

	slog.Info("processing evaluation task", "evaluation_id", payload.EvaluationId, "model_id", payload.ModelId)

	model, err := proc.getModel(ctx, payload.ModelId)
	if err != nil {
		return err
	}
	if model.Status != database.ModelTrained {
		return fmt.Errorf("model %s is not trained (status %s)", model.Id, model.Status)
	}

	stageModel, err := proc.loadStageModel(ctx, model)
	if err != nil {
		return fmt.Errorf("error loading model: %w", err)
	}
	defer stageModel.Classifier.Release()

	preprocessor, err := NewPreprocessor(proc.opts.Preprocess)
	if err != nil {
		return err
	}

	report, err := Evaluate(ctx, stageModel, preprocessor, evaluationDir(payload.DatasetDir), EvaluateOptions{
		Workers:         proc.opts.EvaluationWorkers,
		SamplesPerClass: payload.SamplesPerClass,
		Seed:            dataset.DefaultSeed,
	})
	if err != nil {
		return err
	}

	classes := make([]database.EvaluationClass, 0, len(report.Classes))
	for _, c := range report.Classes {
		classes = append(classes, database.EvaluationClass{Class: c.Class, Total: c.Total, Correct: c.Correct, Accuracy: c.Accuracy})
	}

	if err := database.SaveEvaluationResult(ctx, proc.db, payload.EvaluationId, report.Total, report.Correct, report.Accuracy, classes); err != nil {
		return fmt.Errorf("error saving evaluation result: %w", err)
	}

	slog.Info("evaluation completed", "evaluation_id", payload.EvaluationId, "model_id", payload.ModelId, "accuracy", report.Accuracy)

	return nil
}
