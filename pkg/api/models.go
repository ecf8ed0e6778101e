package api

import (
	"time"

	"github.com/google/uuid"
)

type StatusResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// PredictionResponse is the body of POST /predict/. Only IsCattle and
// Confidence are set when no cattle or buffalo was found.
type PredictionResponse struct {
	IsCattle   bool     `json:"is_cattle"`
	Confidence *float32 `json:"confidence,omitempty"`

	AnimalType       string   `json:"animal_type,omitempty"`
	CattleConfidence *float32 `json:"cattle_confidence,omitempty"`
	Breed            *string  `json:"breed,omitempty"`
	BreedConfidence  *float32 `json:"breed_confidence,omitempty"`
	Sex              *string  `json:"sex,omitempty"`
	AgeInYear        *float64 `json:"age_in_year,omitempty"`
	HeightInInch     *float64 `json:"height_in_inch,omitempty"`
	WeightInKg       *float64 `json:"weight_in_kg,omitempty"`
	ATCScore         *float64 `json:"ATC_score,omitempty"`
}

type ModelClass struct {
	Index      int      `json:"index"`
	Name       string   `json:"name"`
	TrainCount int      `json:"train_count"`
	Weight     *float64 `json:"weight,omitempty"`
}

type Model struct {
	Id     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Stage  string    `json:"stage"`
	Status string    `json:"status"`

	DatasetDir   string `json:"dataset_dir"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Classes          []ModelClass `json:"classes,omitempty"`
	LatestEvaluation *Evaluation  `json:"latest_evaluation,omitempty"`
}

type CreateModelRequest struct {
	Name       string `json:"name"`
	Stage      string `json:"stage"`
	DatasetDir string `json:"dataset_dir"`

	// RawDir, if set, is split into DatasetDir before training.
	RawDir     string   `json:"raw_dir,omitempty"`
	SplitRatio *float64 `json:"split_ratio,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
	Classes    []string `json:"classes,omitempty"`
}

type CreateModelResponse struct {
	ModelId uuid.UUID `json:"model_id"`
}

type ListModelsParams struct {
	Stage  string `schema:"stage"`
	Status string `schema:"status"`
}

type EvaluationClass struct {
	Class    string  `json:"class"`
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

type Evaluation struct {
	Id              uuid.UUID `json:"id"`
	ModelId         uuid.UUID `json:"model_id"`
	DatasetDir      string    `json:"dataset_dir"`
	SamplesPerClass int       `json:"samples_per_class,omitempty"`
	Status          string    `json:"status"`

	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	Error    string  `json:"error,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Classes []EvaluationClass `json:"classes,omitempty"`
}

type EvaluateModelRequest struct {
	DatasetDir      string `json:"dataset_dir"`
	SamplesPerClass int    `json:"samples_per_class,omitempty"`
}

type EvaluateModelResponse struct {
	EvaluationId uuid.UUID `json:"evaluation_id"`
}
