package api

import (
	"farmvision-backend/internal/core/types"
	"farmvision-backend/internal/database"
	"farmvision-backend/pkg/api"
)

func convertModel(m database.Model) api.Model {
	model := api.Model{
		Id:           m.Id,
		Name:         m.Name,
		Stage:        m.Stage,
		Status:       m.Status,
		DatasetDir:   m.DatasetDir,
		ArtifactPath: m.ArtifactPath.String,
		Error:        m.Error.String,
		CreationTime: m.CreationTime,
	}
	if m.CompletionTime.Valid {
		model.CompletionTime = &m.CompletionTime.Time
	}
	for _, c := range m.Classes {
		class := api.ModelClass{Index: c.ClassIndex, Name: c.Name, TrainCount: c.TrainCount}
		if c.Weight.Valid {
			class.Weight = &c.Weight.Float64
		}
		model.Classes = append(model.Classes, class)
	}
	return model
}

func convertModels(ms []database.Model) []api.Model {
	models := make([]api.Model, 0, len(ms))
	for _, m := range ms {
		models = append(models, convertModel(m))
	}
	return models
}

func convertEvaluation(e database.ModelEvaluation) api.Evaluation {
	eval := api.Evaluation{
		Id:              e.Id,
		ModelId:         e.ModelId,
		DatasetDir:      e.DatasetDir,
		SamplesPerClass: e.SamplesPerClass,
		Status:          e.Status,
		Total:           e.Total,
		Correct:         e.Correct,
		Accuracy:        e.Accuracy,
		Error:           e.Error.String,
		CreationTime:    e.CreationTime,
	}
	if e.CompletionTime.Valid {
		eval.CompletionTime = &e.CompletionTime.Time
	}
	for _, c := range e.Classes {
		eval.Classes = append(eval.Classes, api.EvaluationClass{
			Class:    c.Class,
			Total:    c.Total,
			Correct:  c.Correct,
			Accuracy: c.Accuracy,
		})
	}
	return eval
}

func convertEvaluations(es []database.ModelEvaluation) []api.Evaluation {
	evals := make([]api.Evaluation, 0, len(es))
	for _, e := range es {
		evals = append(evals, convertEvaluation(e))
	}
	return evals
}

// ConvertPrediction drops every breed and trait field when no cattle or
// buffalo was detected.
func ConvertPrediction(res types.PredictionResult) api.PredictionResponse {
	if !res.IsCattle {
		confidence := res.TypeConfidence
		return api.PredictionResponse{IsCattle: false, Confidence: &confidence}
	}

	confidence := res.TypeConfidence
	resp := api.PredictionResponse{
		IsCattle:         true,
		AnimalType:       res.AnimalType,
		CattleConfidence: &confidence,
		Breed:            res.Breed,
		BreedConfidence:  res.BreedConfidence,
		ATCScore:         res.ATCScore,
	}
	if res.Traits != nil {
		t := *res.Traits
		resp.Sex = &t.Sex
		resp.AgeInYear = &t.AgeInYear
		resp.HeightInInch = &t.HeightInInch
		resp.WeightInKg = &t.WeightInKg
	}
	return resp
}
