package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"farmvision-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createModel(t *testing.T, db *gorm.DB) uuid.UUID {
	model := database.Model{
		Id:           uuid.New(),
		Name:         "detector",
		Stage:        "type_detector",
		Status:       database.ModelQueued,
		DatasetDir:   "/data/stage1",
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&model).Error)
	return model.Id
}

func TestUpdateModelStatus(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	id := createModel(t, db)

	require.NoError(t, database.UpdateModelStatus(ctx, db, id, database.ModelTraining))

	var model database.Model
	require.NoError(t, db.First(&model, "id = ?", id).Error)
	assert.Equal(t, database.ModelTraining, model.Status)
	assert.False(t, model.CompletionTime.Valid)

	database.SaveModelFailure(ctx, db, id, errors.New("trainer failed"))

	require.NoError(t, db.First(&model, "id = ?", id).Error)
	assert.Equal(t, database.ModelFailed, model.Status)
	assert.True(t, model.CompletionTime.Valid)
	assert.Equal(t, "trainer failed", model.Error.String)
}

func TestSaveTrainedModel(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	id := createModel(t, db)

	classes := []database.ModelClass{
		{ClassIndex: 0, Name: "buffalo", TrainCount: 40},
		{ClassIndex: 1, Name: "cattle", TrainCount: 80},
		{ClassIndex: 2, Name: "non_cattle", TrainCount: 120},
	}
	require.NoError(t, database.SaveTrainedModel(ctx, db, id, "models/"+id.String(), classes))

	// Saving again replaces the class rows.
	require.NoError(t, database.SaveTrainedModel(ctx, db, id, "models/"+id.String(), classes[:2]))

	var model database.Model
	require.NoError(t, db.Preload("Classes").First(&model, "id = ?", id).Error)
	assert.Equal(t, database.ModelTrained, model.Status)
	assert.Equal(t, "models/"+id.String(), model.ArtifactPath.String)
	require.Len(t, model.Classes, 2)
}

func TestSaveEvaluationResult(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()
	modelId := createModel(t, db)

	eval := database.ModelEvaluation{
		Id:           uuid.New(),
		ModelId:      modelId,
		DatasetDir:   "/data/stage1/val",
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&eval).Error)

	require.NoError(t, database.UpdateEvaluationStatus(ctx, db, eval.Id, database.JobRunning))
	require.NoError(t, database.SaveEvaluationResult(ctx, db, eval.Id, 10, 7, 0.7, []database.EvaluationClass{
		{Class: "cattle", Total: 5, Correct: 4, Accuracy: 0.8},
		{Class: "non_cattle", Total: 5, Correct: 3, Accuracy: 0.6},
	}))

	var saved database.ModelEvaluation
	require.NoError(t, db.Preload("Classes").First(&saved, "id = ?", eval.Id).Error)
	assert.Equal(t, database.JobCompleted, saved.Status)
	assert.Equal(t, 10, saved.Total)
	assert.Equal(t, 7, saved.Correct)
	assert.InDelta(t, 0.7, saved.Accuracy, 1e-9)
	assert.Len(t, saved.Classes, 2)
	assert.True(t, saved.CompletionTime.Valid)
}
