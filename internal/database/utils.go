package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateModelStatus(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == ModelTrained || status == ModelFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error updating model status", "model_id", modelId, "status", status, "error", err)
		return err
	}
	return nil
}

// SaveModelFailure marks the model FAILED and records the error message.
func SaveModelFailure(ctx context.Context, txn *gorm.DB, modelId uuid.UUID, cause error) {
	updates := map[string]any{
		"status":          ModelFailed,
		"error":           sql.NullString{String: cause.Error(), Valid: true},
		"completion_time": time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
		slog.Error("error saving model failure", "model_id", modelId, "error", err)
	}
}

// SaveTrainedModel records the class index map and artifact location of a
// finished training run and marks the model TRAINED.
func SaveTrainedModel(ctx context.Context, db *gorm.DB, modelId uuid.UUID, artifactPath string, classes []ModelClass) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Where("model_id = ?", modelId).Delete(&ModelClass{}).Error; err != nil {
			return fmt.Errorf("error clearing model classes: %w", err)
		}

		for i := range classes {
			classes[i].ModelId = modelId
		}
		if len(classes) > 0 {
			if err := txn.Create(&classes).Error; err != nil {
				return fmt.Errorf("error saving model classes: %w", err)
			}
		}

		updates := map[string]any{
			"status":          ModelTrained,
			"artifact_path":   sql.NullString{String: artifactPath, Valid: true},
			"completion_time": time.Now().UTC(),
		}
		if err := txn.Model(&Model{Id: modelId}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error updating model: %w", err)
		}
		return nil
	})
}

func UpdateEvaluationStatus(ctx context.Context, txn *gorm.DB, evaluationId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ModelEvaluation{Id: evaluationId}).Updates(updates).Error; err != nil {
		slog.Error("error updating evaluation status", "evaluation_id", evaluationId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveEvaluationFailure(ctx context.Context, txn *gorm.DB, evaluationId uuid.UUID, cause error) {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           sql.NullString{String: cause.Error(), Valid: true},
		"completion_time": time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Model(&ModelEvaluation{Id: evaluationId}).Updates(updates).Error; err != nil {
		slog.Error("error saving evaluation failure", "evaluation_id", evaluationId, "error", err)
	}
}

func SaveEvaluationResult(ctx context.Context, db *gorm.DB, evaluationId uuid.UUID, total, correct int, accuracy float64, classes []EvaluationClass) error {
	return db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for i := range classes {
			classes[i].EvaluationId = evaluationId
		}
		if len(classes) > 0 {
			if err := txn.Create(&classes).Error; err != nil {
				return fmt.Errorf("error saving evaluation classes: %w", err)
			}
		}

		updates := map[string]any{
			"status":          JobCompleted,
			"total":           total,
			"correct":         correct,
			"accuracy":        accuracy,
			"completion_time": time.Now().UTC(),
		}
		if err := txn.Model(&ModelEvaluation{Id: evaluationId}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error updating evaluation: %w", err)
		}
		return nil
	})
}
