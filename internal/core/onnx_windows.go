//go:build windows

package core

import (
	"context"
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

func InitOnnxRuntime(dylib string) error {
	return ErrOnnxNotSupportedOnWindows
}

func DestroyOnnxRuntime() error {
	return nil
}

type OnnxClassifier struct{}

func LoadOnnxClassifier(modelPath string) (*OnnxClassifier, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxClassifier) Predict(context.Context, Tensor) ([]float32, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxClassifier) Release() {}
