//go:build !windows

package core

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

// InitOnnxRuntime loads the onnxruntime shared library. It is safe to call
// more than once; only the first call has an effect.
func InitOnnxRuntime(dylib string) error {
	initOnce.Do(func() {
		if dylib != "" {
			ort.SetSharedLibraryPath(dylib)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

func DestroyOnnxRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type OnnxClassifier struct {
	session    *ort.DynamicAdvancedSession
	numClasses int64
}

var _ Classifier = (*OnnxClassifier)(nil)

func LoadOnnxClassifier(modelPath string) (*OnnxClassifier, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected a single input and output, model has %d inputs and %d outputs", len(inputs), len(outputs))
	}

	dims := outputs[0].Dimensions
	if len(dims) == 0 || dims[len(dims)-1] <= 0 {
		return nil, fmt.Errorf("model output %s has no fixed class dimension: %v", outputs[0].Name, dims)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &OnnxClassifier{session: session, numClasses: dims[len(dims)-1]}, nil
}

func (m *OnnxClassifier) Predict(_ context.Context, input Tensor) ([]float32, error) {
	inT, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, m.numClasses))
	if err != nil {
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	return append([]float32(nil), outT.GetData()...), nil
}

func (m *OnnxClassifier) Release() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
