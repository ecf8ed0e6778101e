package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"farmvision-backend/internal/core"
	"farmvision-backend/internal/core/types"
	"farmvision-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

const MaxUploadBytes = 10 << 20

var uploadFields = []string{"file", "image"}

// Predictor is satisfied by *core.Pipeline.
type Predictor interface {
	PredictBytes(ctx context.Context, data []byte) (types.PredictionResult, error)
}

type PredictionService struct {
	predictor Predictor
}

// NewPredictionService serves predictions with the given predictor. A nil
// predictor is allowed, in which case predictions fail with 503 until the
// stage models are configured.
func NewPredictionService(predictor Predictor) *PredictionService {
	return &PredictionService{predictor: predictor}
}

func (s *PredictionService) AddRoutes(r chi.Router) {
	r.Get("/", RestHandler(s.Status))
	r.With(limitBody(MaxUploadBytes)).Post("/predict", RestHandler(s.Predict))
	r.With(limitBody(MaxUploadBytes)).Post("/predict/", RestHandler(s.Predict))
}

func (s *PredictionService) Status(r *http.Request) (any, error) {
	return api.StatusResponse{Message: "FarmVision API is running. Use /predict/ with POST to classify images."}, nil
}

func (s *PredictionService) Predict(r *http.Request) (any, error) {
	if s.predictor == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "no prediction models are loaded")
	}

	data, err := readUpload(r)
	if err != nil {
		return nil, err
	}

	result, err := s.predictor.PredictBytes(r.Context(), data)
	if err != nil {
		return nil, predictionError(err)
	}

	return ConvertPrediction(result), nil
}

func readUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "image exceeds the %d byte limit", MaxUploadBytes)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	for _, field := range uploadFields {
		file, header, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "unable to read uploaded file: %v", err)
		}
		return readFile(file, header)
	}

	return nil, CodedErrorf(http.StatusBadRequest, "no image provided, expected a multipart 'file' field")
}

func readFile(file multipart.File, header *multipart.FileHeader) ([]byte, error) {
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read uploaded file '%s': %v", header.Filename, err)
	}
	if len(data) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "uploaded file '%s' is empty", header.Filename)
	}
	return data, nil
}

func predictionError(err error) error {
	var decodeErr *core.ImageDecodeError
	var breedErr *core.UnknownBreedError
	var traitErr *core.EmptyTraitSetError

	switch {
	case errors.As(err, &decodeErr):
		return CodedError(http.StatusBadRequest, err)
	case errors.As(err, &breedErr):
		return CodedError(http.StatusNotFound, err)
	case errors.As(err, &traitErr):
		return CodedError(http.StatusUnprocessableEntity, err)
	default:
		return CodedError(http.StatusInternalServerError, fmt.Errorf("prediction failed: %w", err))
	}
}
