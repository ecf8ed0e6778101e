package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteClassifier calls a stage model hosted on a TensorFlow Serving
// compatible REST endpoint (POST /v1/models/<name>:predict).
type RemoteClassifier struct {
	client *resty.Client
	model  string
}

var _ Classifier = (*RemoteClassifier)(nil)

type tfServingRequest struct {
	Instances []any `json:"instances"`
}

type tfServingResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error"`
}

func NewRemoteClassifier(baseURL, model string, timeout time.Duration) (*RemoteClassifier, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("model server url is required for remote model '%s'", model)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RemoteClassifier{client: client, model: model}, nil
}

func (m *RemoteClassifier) Predict(ctx context.Context, input Tensor) ([]float32, error) {
	if len(input.Shape) < 2 || input.Shape[0] != 1 {
		return nil, fmt.Errorf("expected a batch of one, got shape %v", input.Shape)
	}

	var result tfServingResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(tfServingRequest{Instances: []any{reshape(input.Data, input.Shape[1:])}}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/v1/models/%s:predict", m.model))
	if err != nil {
		return nil, fmt.Errorf("error calling model server for %s: %w", m.model, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("model server returned %s for %s: %s", resp.Status(), m.model, result.Error)
	}
	if len(result.Predictions) != 1 {
		return nil, fmt.Errorf("model server returned %d predictions for %s, expected 1", len(result.Predictions), m.model)
	}

	return result.Predictions[0], nil
}

func (m *RemoteClassifier) Release() {}

// reshape nests a flat row-major slice according to shape.
func reshape(data []float32, shape []int64) any {
	if len(shape) == 1 {
		return data[:shape[0]]
	}

	stride := int64(1)
	for _, d := range shape[1:] {
		stride *= d
	}

	out := make([]any, shape[0])
	for i := range out {
		start := int64(i) * stride
		out[i] = reshape(data[start:start+stride], shape[1:])
	}
	return out
}
