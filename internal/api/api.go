package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"farmvision-backend/internal/core"
	"farmvision-backend/internal/database"
	"farmvision-backend/internal/dataset"
	"farmvision-backend/internal/messaging"
	"farmvision-backend/internal/storage"
	"farmvision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BackendService struct {
	db          *gorm.DB
	storage     storage.ObjectStore
	publisher   messaging.Publisher
	modelBucket string
}

func NewBackendService(db *gorm.DB, storage storage.ObjectStore, pub messaging.Publisher, modelBucket string) *BackendService {
	return &BackendService{db: db, storage: storage, publisher: pub, modelBucket: modelBucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/models", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListModels))
		r.Post("/", RestHandler(s.CreateModel))
		r.Get("/{model_id}", RestHandler(s.GetModel))
		r.Delete("/{model_id}", RestHandler(s.DeleteModel))
		r.Post("/{model_id}/evaluate", RestHandler(s.EvaluateModel))
		r.Get("/{model_id}/evaluations", RestHandler(s.ListEvaluations))
		r.Get("/{model_id}/evaluations/{evaluation_id}", RestHandler(s.GetEvaluation))
	})
}

func (s *BackendService) ListModels(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListModelsParams](r)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context()).Preload("Classes").Order("creation_time DESC")
	if params.Stage != "" {
		query = query.Where("stage = ?", params.Stage)
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var models []database.Model
	if err := query.Find(&models).Error; err != nil {
		slog.Error("error listing models", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving model records")
	}

	return convertModels(models), nil
}

func (s *BackendService) getModel(r *http.Request) (database.Model, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return database.Model{}, err
	}

	var model database.Model
	if err := s.db.WithContext(r.Context()).Preload("Classes").First(&model, "id = ?", modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.Model{}, CodedErrorf(http.StatusNotFound, "model not found")
		}
		slog.Error("error getting model", "model_id", modelId, "error", err)
		return database.Model{}, CodedErrorf(http.StatusInternalServerError, "error retrieving model record")
	}

	return model, nil
}

func (s *BackendService) GetModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	result := convertModel(model)

	var evals []database.ModelEvaluation
	if err := s.db.WithContext(r.Context()).Preload("Classes").
		Where("model_id = ?", model.Id).Order("creation_time DESC").Limit(1).
		Find(&evals).Error; err != nil {
		slog.Error("error getting latest evaluation", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving model evaluations")
	}
	if len(evals) > 0 {
		eval := convertEvaluation(evals[0])
		result.LatestEvaluation = &eval
	}

	return result, nil
}

func (s *BackendService) CreateModel(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateModelRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	if _, err := core.ParseStage(req.Stage); err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	if req.DatasetDir == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "dataset_dir is required")
	}

	splitRatio := dataset.DefaultRatio
	if req.SplitRatio != nil {
		splitRatio = *req.SplitRatio
	}
	if splitRatio <= 0 || splitRatio >= 1 {
		return nil, CodedErrorf(http.StatusBadRequest, "split_ratio must be between 0 and 1, got %v", splitRatio)
	}

	seed := int64(dataset.DefaultSeed)
	if req.Seed != nil {
		seed = *req.Seed
	}

	model := database.Model{
		Id:           uuid.New(),
		Name:         req.Name,
		Stage:        req.Stage,
		Status:       database.ModelQueued,
		DatasetDir:   req.DatasetDir,
		SplitRatio:   splitRatio,
		Seed:         seed,
		CreationTime: time.Now().UTC(),
	}
	if req.RawDir != "" {
		model.RawDir.String, model.RawDir.Valid = req.RawDir, true
	}

	ctx := r.Context()

	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		slog.Error("error creating model", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create model entry")
	}

	payload := messaging.TrainingTaskPayload{
		ModelId:    model.Id,
		Stage:      model.Stage,
		DatasetDir: model.DatasetDir,
		RawDir:     req.RawDir,
		SplitRatio: splitRatio,
		Seed:       seed,
		Classes:    req.Classes,
	}

	if err := s.publisher.PublishTrainingTask(ctx, payload); err != nil {
		slog.Error("error publishing training task", "model_id", model.Id, "error", err)
		database.SaveModelFailure(ctx, s.db, model.Id, err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training job for model", "model_id", model.Id, "stage", model.Stage)

	return api.CreateModelResponse{ModelId: model.Id}, nil
}

func (s *BackendService) DeleteModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	if model.Status == database.ModelQueued || model.Status == database.ModelTraining {
		return nil, CodedErrorf(http.StatusConflict, "cannot delete model with status %s", model.Status)
	}

	ctx := r.Context()

	if model.ArtifactPath.Valid {
		if err := s.storage.DeleteObjects(ctx, s.modelBucket, model.ArtifactPath.String); err != nil {
			slog.Error("error deleting model artifacts", "model_id", model.Id, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model artifacts")
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		evals := txn.Model(&database.ModelEvaluation{}).Select("id").Where("model_id = ?", model.Id)
		if err := txn.Where("evaluation_id IN (?)", evals).Delete(&database.EvaluationClass{}).Error; err != nil {
			return err
		}
		if err := txn.Where("model_id = ?", model.Id).Delete(&database.ModelEvaluation{}).Error; err != nil {
			return err
		}
		if err := txn.Where("model_id = ?", model.Id).Delete(&database.ModelClass{}).Error; err != nil {
			return err
		}
		return txn.Delete(&database.Model{Id: model.Id}).Error
	})
	if err != nil {
		slog.Error("error deleting model", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting model record")
	}

	slog.Info("deleted model", "model_id", model.Id)

	return nil, nil
}

func (s *BackendService) EvaluateModel(r *http.Request) (any, error) {
	model, err := s.getModel(r)
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.EvaluateModelRequest](r)
	if err != nil {
		return nil, err
	}

	if req.DatasetDir == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "dataset_dir is required")
	}
	if req.SamplesPerClass < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "samples_per_class must not be negative")
	}

	if model.Status != database.ModelTrained {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "model is not ready: model has status: %s", model.Status)
	}

	ctx := r.Context()

	eval := database.ModelEvaluation{
		Id:              uuid.New(),
		ModelId:         model.Id,
		DatasetDir:      req.DatasetDir,
		SamplesPerClass: req.SamplesPerClass,
		Status:          database.JobQueued,
		CreationTime:    time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&eval).Error; err != nil {
		slog.Error("error creating evaluation", "model_id", model.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create evaluation entry")
	}

	payload := messaging.EvaluationTaskPayload{
		EvaluationId:    eval.Id,
		ModelId:         model.Id,
		DatasetDir:      eval.DatasetDir,
		SamplesPerClass: eval.SamplesPerClass,
	}

	if err := s.publisher.PublishEvaluationTask(ctx, payload); err != nil {
		slog.Error("error publishing evaluation task", "evaluation_id", eval.Id, "error", err)
		database.SaveEvaluationFailure(ctx, s.db, eval.Id, err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue evaluation task")
	}

	slog.Info("submitted evaluation job", "model_id", model.Id, "evaluation_id", eval.Id)

	return api.EvaluateModelResponse{EvaluationId: eval.Id}, nil
}

func (s *BackendService) ListEvaluations(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}

	var evals []database.ModelEvaluation
	if err := s.db.WithContext(r.Context()).Preload("Classes").
		Where("model_id = ?", modelId).Order("creation_time DESC").
		Find(&evals).Error; err != nil {
		slog.Error("error listing evaluations", "model_id", modelId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation records")
	}

	return convertEvaluations(evals), nil
}

func (s *BackendService) GetEvaluation(r *http.Request) (any, error) {
	modelId, err := URLParamUUID(r, "model_id")
	if err != nil {
		return nil, err
	}
	evalId, err := URLParamUUID(r, "evaluation_id")
	if err != nil {
		return nil, err
	}

	var eval database.ModelEvaluation
	if err := s.db.WithContext(r.Context()).Preload("Classes").
		First(&eval, "id = ? AND model_id = ?", evalId, modelId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "evaluation not found")
		}
		slog.Error("error getting evaluation", "evaluation_id", evalId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving evaluation record")
	}

	return convertEvaluation(eval), nil
}
