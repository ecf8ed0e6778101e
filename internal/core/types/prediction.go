package types

// Animal types emitted by the type detector.
const (
	AnimalCattle    = "cattle"
	AnimalBuffalo   = "buffalo"
	AnimalNonCattle = "non_cattle"
)

// TraitRecord holds the per-breed aggregates computed from the reference table.
type TraitRecord struct {
	Breed        string
	AgeInYear    float64
	HeightInInch float64
	WeightInKg   float64
	Sex          string
}

type PredictionResult struct {
	IsCattle       bool
	AnimalType     string
	TypeConfidence float32

	Breed           *string
	BreedConfidence *float32
	Traits          *TraitRecord
	ATCScore        *float64
}
