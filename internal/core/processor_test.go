package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"farmvision-backend/internal/database"
	"farmvision-backend/internal/messaging"
	"farmvision-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *recordingTask) Type() string    { return t.queue }
func (t *recordingTask) Payload() []byte { return t.payload }
func (t *recordingTask) Ack() error      { t.acked = true; return nil }
func (t *recordingTask) Nack() error     { t.nacked = true; return nil }
func (t *recordingTask) Reject() error   { t.rejected = true; return nil }

func newTask(t *testing.T, queue string, payload any) *recordingTask {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &recordingTask{queue: queue, payload: data}
}

// stubTrainer writes the artifacts a real trainer would produce without
// running one.
type stubTrainer struct {
	err  error
	opts []TrainOptions
}

func (s *stubTrainer) Train(ctx context.Context, opts TrainOptions) (TrainResult, error) {
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return TrainResult{}, s.err
	}

	classes, counts, err := trainingClasses(filepath.Join(opts.DatasetDir, "train"), filepath.Join(opts.DatasetDir, "val"))
	if err != nil {
		return TrainResult{}, err
	}
	if err := classes.Save(filepath.Join(opts.OutputDir, ClassIndexFileName)); err != nil {
		return TrainResult{}, err
	}
	modelPath := filepath.Join(opts.OutputDir, ModelFileName)
	if err := os.WriteFile(modelPath, []byte("onnx"), 0644); err != nil {
		return TrainResult{}, err
	}

	var weights map[int]float64
	if opts.Recipe.BalanceClasses {
		weights = BalancedClassWeights(classes, counts)
	}

	return TrainResult{
		Stage:        opts.Recipe.Stage,
		OutputDir:    opts.OutputDir,
		ModelPath:    modelPath,
		Classes:      classes,
		ClassCounts:  counts,
		ClassWeights: weights,
	}, nil
}

type processorFixture struct {
	db      *gorm.DB
	store   *storage.LocalObjectStore
	trainer *stubTrainer
	proc    *TaskProcessor
	root    string
}

func newProcessorFixture(t *testing.T) processorFixture {
	root := t.TempDir()

	// Shared with the worker goroutine, so it has to be a file.
	db, err := gorm.Open(sqlite.Open(filepath.Join(root, "farmvision.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	store, err := storage.NewLocalObjectStore(filepath.Join(root, "storage"))
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	trainer := &stubTrainer{}

	proc := NewTaskProcessor(db, store, queue, queue, trainer, TaskProcessorOptions{
		LocalModelDir: filepath.Join(root, "models"),
		ModelBucket:   "models",
		Loader: func(stage Stage, modelDir string) (Classifier, error) {
			if _, err := os.Stat(stage.ModelPath(modelDir)); err != nil {
				return nil, err
			}
			return colorClassifier{}, nil
		},
		Preprocess:        PreprocessConfig{ImageSize: 4, Layout: "nhwc", Interpolation: "nearest"},
		EvaluationWorkers: 2,
	})
	t.Cleanup(proc.Stop)

	return processorFixture{db: db, store: store, trainer: trainer, proc: proc, root: root}
}

func (f processorFixture) createModel(t *testing.T, stage Stage, datasetDir string) database.Model {
	model := database.Model{
		Id:           uuid.New(),
		Name:         "test-" + string(stage),
		Stage:        string(stage),
		Status:       database.ModelQueued,
		DatasetDir:   datasetDir,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&model).Error)
	return model
}

func (f processorFixture) getModel(t *testing.T, id uuid.UUID) database.Model {
	var model database.Model
	require.NoError(t, f.db.Preload("Classes").First(&model, "id = ?", id).Error)
	return model
}

func writeRawDataset(t *testing.T, root string, perClass int) {
	for i := 0; i < perClass; i++ {
		writeImage(t, filepath.Join(root, "cattle", fmt.Sprintf("%d.png", i)), red)
		writeImage(t, filepath.Join(root, "non_cattle", fmt.Sprintf("%d.png", i)), blue)
	}
}

func TestTrainingTask(t *testing.T) {
	f := newProcessorFixture(t)

	raw := filepath.Join(f.root, "raw")
	writeRawDataset(t, raw, 10)
	split := filepath.Join(f.root, "split")

	model := f.createModel(t, StageTypeDetector, split)

	task := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{
		ModelId:    model.Id,
		Stage:      model.Stage,
		DatasetDir: split,
		RawDir:     raw,
		SplitRatio: 0.8,
		Seed:       42,
	})
	f.proc.ProcessTask(task)
	assert.True(t, task.acked)

	trained := f.getModel(t, model.Id)
	assert.Equal(t, database.ModelTrained, trained.Status)
	assert.Equal(t, model.Id.String(), trained.ArtifactPath.String)
	assert.True(t, trained.CompletionTime.Valid)
	require.Len(t, trained.Classes, 2)
	assert.Equal(t, "cattle", trained.Classes[0].Name)
	assert.Equal(t, 8, trained.Classes[0].TrainCount)
	assert.True(t, trained.Classes[0].Weight.Valid)
	assert.InDelta(t, 1.0, trained.Classes[0].Weight.Float64, 1e-9)

	require.Len(t, f.trainer.opts, 1)
	assert.Equal(t, filepath.Join(f.root, "models", model.Id.String(), "type_detector"), f.trainer.opts[0].OutputDir)
	assert.Equal(t, DefaultRecipe(StageTypeDetector), f.trainer.opts[0].Recipe)

	objects, err := f.store.ListObjects(context.Background(), "models", model.Id.String()+"/")
	require.NoError(t, err)
	var names []string
	for _, obj := range objects {
		names = append(names, obj.Name)
	}
	assert.ElementsMatch(t, []string{
		model.Id.String() + "/type_detector/class_indices.json",
		model.Id.String() + "/type_detector/model.onnx",
	}, names)
}

func TestTrainingTaskRecipeOverride(t *testing.T) {
	f := newProcessorFixture(t)

	recipes := filepath.Join(f.root, "recipes")
	require.NoError(t, os.MkdirAll(recipes, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(recipes, "cattle_breed.yaml"), []byte("stage: cattle_breed\nwarmup_epochs: 1\n"), 0644))
	f.proc.opts.RecipeDir = recipes

	data := filepath.Join(f.root, "breeds")
	writeSplitDataset(t, data, map[string][2]int{"gir": {2, 1}, "sahiwal": {2, 1}})
	model := f.createModel(t, StageCattleBreed, data)

	task := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{ModelId: model.Id, Stage: model.Stage, DatasetDir: data})
	f.proc.ProcessTask(task)
	assert.True(t, task.acked)

	require.Len(t, f.trainer.opts, 1)
	assert.Equal(t, 1, f.trainer.opts[0].Recipe.WarmupEpochs)

	trained := f.getModel(t, model.Id)
	assert.Equal(t, database.ModelTrained, trained.Status)
	assert.False(t, trained.Classes[0].Weight.Valid)
}

func TestTrainingTaskFailure(t *testing.T) {
	f := newProcessorFixture(t)
	f.trainer.err = errors.New("out of memory")

	data := filepath.Join(f.root, "breeds")
	writeSplitDataset(t, data, map[string][2]int{"gir": {1, 1}, "sahiwal": {1, 1}})
	model := f.createModel(t, StageCattleBreed, data)

	task := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{ModelId: model.Id, Stage: model.Stage, DatasetDir: data})
	f.proc.ProcessTask(task)
	assert.True(t, task.nacked)

	failed := f.getModel(t, model.Id)
	assert.Equal(t, database.ModelFailed, failed.Status)
	assert.Contains(t, failed.Error.String, "out of memory")
	assert.Empty(t, failed.Classes)

	bad := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{ModelId: model.Id, Stage: "stage4", DatasetDir: data})
	f.proc.ProcessTask(bad)
	assert.True(t, bad.nacked)
	assert.Contains(t, f.getModel(t, model.Id).Error.String, "invalid stage")
}

func TestEvaluationTask(t *testing.T) {
	f := newProcessorFixture(t)

	raw := filepath.Join(f.root, "raw")
	writeRawDataset(t, raw, 5)
	split := filepath.Join(f.root, "split")
	model := f.createModel(t, StageTypeDetector, split)

	train := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{
		ModelId: model.Id, Stage: model.Stage, DatasetDir: split, RawDir: raw, SplitRatio: 0.6, Seed: 1,
	})
	f.proc.ProcessTask(train)
	require.True(t, train.acked)

	// Force the model to be fetched back from the object store.
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "models", model.Id.String())))

	eval := database.ModelEvaluation{
		Id:           uuid.New(),
		ModelId:      model.Id,
		DatasetDir:   split,
		Status:       database.JobQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, f.db.Create(&eval).Error)

	task := newTask(t, messaging.EvaluationQueue, messaging.EvaluationTaskPayload{EvaluationId: eval.Id, ModelId: model.Id, DatasetDir: split})
	f.proc.ProcessTask(task)
	assert.True(t, task.acked)

	var saved database.ModelEvaluation
	require.NoError(t, f.db.Preload("Classes").First(&saved, "id = ?", eval.Id).Error)
	assert.Equal(t, database.JobCompleted, saved.Status)
	assert.Equal(t, 4, saved.Total)
	assert.Equal(t, 4, saved.Correct)
	assert.Equal(t, 1.0, saved.Accuracy)
	assert.Len(t, saved.Classes, 2)
	assert.FileExists(t, StageTypeDetector.ModelPath(filepath.Join(f.root, "models", model.Id.String())))
}

func TestEvaluationTaskUntrainedModel(t *testing.T) {
	f := newProcessorFixture(t)
	model := f.createModel(t, StageTypeDetector, f.root)

	eval := database.ModelEvaluation{Id: uuid.New(), ModelId: model.Id, DatasetDir: f.root, Status: database.JobQueued, CreationTime: time.Now().UTC()}
	require.NoError(t, f.db.Create(&eval).Error)

	task := newTask(t, messaging.EvaluationQueue, messaging.EvaluationTaskPayload{EvaluationId: eval.Id, ModelId: model.Id, DatasetDir: f.root})
	f.proc.ProcessTask(task)
	assert.True(t, task.nacked)

	var saved database.ModelEvaluation
	require.NoError(t, f.db.First(&saved, "id = ?", eval.Id).Error)
	assert.Equal(t, database.JobFailed, saved.Status)
	assert.Contains(t, saved.Error.String, "not trained")
}

func TestProcessTaskRejectsMalformed(t *testing.T) {
	f := newProcessorFixture(t)

	malformed := &recordingTask{queue: messaging.TrainingQueue, payload: []byte("{")}
	f.proc.ProcessTask(malformed)
	assert.True(t, malformed.rejected)

	unknown := &recordingTask{queue: "inference_queue", payload: []byte("{}")}
	f.proc.ProcessTask(unknown)
	assert.True(t, unknown.rejected)
}

func TestTaskProcessorStart(t *testing.T) {
	f := newProcessorFixture(t)
	queue := f.proc.reciever.(*messaging.InMemoryQueue)

	data := filepath.Join(f.root, "breeds")
	writeSplitDataset(t, data, map[string][2]int{"gir": {1, 1}, "sahiwal": {1, 1}})
	model := f.createModel(t, StageCattleBreed, data)

	require.NoError(t, queue.PublishTrainingTask(context.Background(), messaging.TrainingTaskPayload{ModelId: model.Id, Stage: model.Stage, DatasetDir: data}))

	done := make(chan struct{})
	go func() {
		f.proc.Start()
		close(done)
	}()

	assert.Eventually(t, func() bool {
		var current database.Model
		if err := f.db.First(&current, "id = ?", model.Id).Error; err != nil {
			return false
		}
		return current.Status == database.ModelTrained
	}, 5*time.Second, 20*time.Millisecond)

	f.proc.Stop()
	<-done
}

// blockingTrainer runs until its context is cancelled.
type blockingTrainer struct {
	started chan struct{}
}

func (b *blockingTrainer) Train(ctx context.Context, opts TrainOptions) (TrainResult, error) {
	close(b.started)
	<-ctx.Done()
	return TrainResult{}, ctx.Err()
}

func TestStopCancelsRunningTraining(t *testing.T) {
	f := newProcessorFixture(t)
	trainer := &blockingTrainer{started: make(chan struct{})}
	f.proc.trainer = trainer

	data := filepath.Join(f.root, "breeds")
	writeSplitDataset(t, data, map[string][2]int{"gir": {1, 1}, "sahiwal": {1, 1}})
	model := f.createModel(t, StageCattleBreed, data)

	task := newTask(t, messaging.TrainingQueue, messaging.TrainingTaskPayload{ModelId: model.Id, Stage: model.Stage, DatasetDir: data})
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.proc.ProcessTask(task)
	}()

	<-trainer.started
	f.proc.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("training was not cancelled")
	}

	assert.True(t, task.nacked)
	failed := f.getModel(t, model.Id)
	assert.Equal(t, database.ModelFailed, failed.Status)
	assert.Contains(t, failed.Error.String, context.Canceled.Error())
}
