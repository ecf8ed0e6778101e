package core

import (
	"errors"
	"fmt"
)

var (
	ErrClassIndexCollision = errors.New("class index collision")
	ErrClassIndexGap       = errors.New("class index is not dense")
	ErrOutputSize          = errors.New("classifier output size does not match class count")
	ErrNoBreedClassifier   = errors.New("no breed classifier for animal type")
)

// ImageDecodeError is returned when an uploaded image cannot be decoded.
type ImageDecodeError struct {
	Err error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("unable to decode image: %v", e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// ModelLoadError is returned when a stage model or its class index map cannot
// be loaded. It is fatal at startup.
type ModelLoadError struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("error loading %s model from %s: %v", e.Stage, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

type UnknownBreedError struct {
	Breed string
}

func (e *UnknownBreedError) Error() string {
	return fmt.Sprintf("breed '%s' not found in reference table", e.Breed)
}

// EmptyTraitSetError is returned when a breed has reference rows but one of
// its aggregates is undefined, i.e. no row carries a usable value for Field.
type EmptyTraitSetError struct {
	Breed string
	Field string
}

func (e *EmptyTraitSetError) Error() string {
	return fmt.Sprintf("breed traits not found: breed '%s' has no usable values for %s", e.Breed, e.Field)
}
