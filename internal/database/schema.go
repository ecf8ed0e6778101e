package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	ModelQueued   string = "QUEUED"
	ModelTraining string = "TRAINING"
	ModelTrained  string = "TRAINED"
	ModelFailed   string = "FAILED"
)

// Model is one trained (or training) stage classifier. Its artifacts live in
// the model bucket under <id>/ once it is TRAINED.
type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name   string `gorm:"not null"`
	Stage  string `gorm:"size:20;not null"`
	Status string `gorm:"size:20;not null"`

	DatasetDir string `gorm:"not null"`
	RawDir     sql.NullString
	SplitRatio float64
	Seed       int64

	ArtifactPath sql.NullString
	Error        sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Classes     []ModelClass      `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
	Evaluations []ModelEvaluation `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

// ModelClass persists the class index map a model was trained with.
type ModelClass struct {
	ModelId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClassIndex int       `gorm:"primaryKey;autoIncrement:false"`
	Name       string    `gorm:"not null"`
	TrainCount int
	Weight     sql.NullFloat64
}

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type ModelEvaluation struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelId uuid.UUID `gorm:"type:uuid;index"`
	Model   *Model    `gorm:"foreignKey:ModelId"`

	DatasetDir      string `gorm:"not null"`
	SamplesPerClass int
	Status          string `gorm:"size:20;not null"`

	Total    int
	Correct  int
	Accuracy float64
	Error    sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Classes []EvaluationClass `gorm:"foreignKey:EvaluationId;constraint:OnDelete:CASCADE"`
}

type EvaluationClass struct {
	EvaluationId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Class        string    `gorm:"primaryKey"`
	Total        int
	Correct      int
	Accuracy     float64
}
