package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"farmvision-backend/internal/core/types"
)

const (
	columnBreed  = "breed"
	columnAge    = "age_in_year"
	columnHeight = "height_in_inch"
	columnWeight = "weight_in_kg"
	columnSex    = "sex"
)

var referenceColumns = []string{columnBreed, columnAge, columnHeight, columnWeight, columnSex}

type meanAccumulator struct {
	sum   float64
	count int
}

func (a *meanAccumulator) add(raw string) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	a.sum += v
	a.count++
}

func (a *meanAccumulator) mean() (float64, bool) {
	if a.count == 0 {
		return 0, false
	}
	return a.sum / float64(a.count), true
}

type breedAccumulator struct {
	age, height, weight meanAccumulator
	sex                 map[string]int
}

// mode returns the most frequent sex, breaking ties with the lexicographically
// smallest value.
func (a *breedAccumulator) mode() (string, bool) {
	best, bestCount := "", 0
	for value, count := range a.sex {
		if count > bestCount || (count == bestCount && value < best) {
			best, bestCount = value, count
		}
	}
	return best, bestCount > 0
}

type traitEntry struct {
	record types.TraitRecord
	// Name of the first aggregate that had no usable values, empty if all are set.
	missing string
}

// TraitTable holds per-breed trait aggregates computed once from the
// reference dataset. It is read-only after construction.
type TraitTable struct {
	breeds map[string]traitEntry
}

func LoadReferenceTable(path string) (*TraitTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening reference table: %w", err)
	}
	defer file.Close()

	table, err := ParseReferenceTable(file)
	if err != nil {
		return nil, fmt.Errorf("error loading reference table %s: %w", path, err)
	}

	slog.Info("loaded reference table", "path", path, "breeds", len(table.breeds))
	return table, nil
}

func ParseReferenceTable(r io.Reader) (*TraitTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reference table is empty")
		}
		return nil, fmt.Errorf("error reading header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range referenceColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("reference table is missing column '%s'", name)
		}
	}

	field := func(row []string, name string) string {
		if i := cols[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	acc := make(map[string]*breedAccumulator)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading row: %w", err)
		}

		breed := field(row, columnBreed)
		if breed == "" {
			continue
		}

		a, ok := acc[breed]
		if !ok {
			a = &breedAccumulator{sex: make(map[string]int)}
			acc[breed] = a
		}

		a.age.add(field(row, columnAge))
		a.height.add(field(row, columnHeight))
		a.weight.add(field(row, columnWeight))
		if sex := field(row, columnSex); sex != "" && !strings.EqualFold(sex, "nan") {
			a.sex[sex]++
		}
	}

	table := &TraitTable{breeds: make(map[string]traitEntry, len(acc))}
	for breed, a := range acc {
		table.breeds[breed] = a.entry(breed)
	}
	return table, nil
}

func (a *breedAccumulator) entry(breed string) traitEntry {
	e := traitEntry{record: types.TraitRecord{Breed: breed}}

	var ok bool
	if e.record.AgeInYear, ok = a.age.mean(); !ok && e.missing == "" {
		e.missing = columnAge
	}
	if e.record.HeightInInch, ok = a.height.mean(); !ok && e.missing == "" {
		e.missing = columnHeight
	}
	if e.record.WeightInKg, ok = a.weight.mean(); !ok && e.missing == "" {
		e.missing = columnWeight
	}
	if e.record.Sex, ok = a.mode(); !ok && e.missing == "" {
		e.missing = columnSex
	}
	return e
}

// Lookup returns the aggregated traits for breed. It never returns a record
// with undefined values: breeds without rows give *UnknownBreedError and
// breeds missing an aggregate give *EmptyTraitSetError.
func (t *TraitTable) Lookup(breed string) (types.TraitRecord, error) {
	e, ok := t.breeds[breed]
	if !ok {
		return types.TraitRecord{}, &UnknownBreedError{Breed: breed}
	}
	if e.missing != "" {
		return types.TraitRecord{}, &EmptyTraitSetError{Breed: breed, Field: e.missing}
	}
	return e.record, nil
}

func (t *TraitTable) Breeds() []string {
	breeds := make([]string, 0, len(t.breeds))
	for b := range t.breeds {
		breeds = append(breeds, b)
	}
	sort.Strings(breeds)
	return breeds
}

// ATCWeights parameterize the ATC score, a weighted sum of the breed's mean
// age, height and weight divided by Divisor.
type ATCWeights struct {
	Age     float64 `env:"ATC_AGE_WEIGHT" envDefault:"0.2"`
	Height  float64 `env:"ATC_HEIGHT_WEIGHT" envDefault:"0.3"`
	Weight  float64 `env:"ATC_WEIGHT_WEIGHT" envDefault:"0.5"`
	Divisor float64 `env:"ATC_DIVISOR" envDefault:"10"`
}

func DefaultATCWeights() ATCWeights {
	return ATCWeights{Age: 0.2, Height: 0.3, Weight: 0.5, Divisor: 10}
}

func (w ATCWeights) Validate() error {
	if w.Divisor == 0 || math.IsNaN(w.Divisor) {
		return fmt.Errorf("atc divisor must be non-zero")
	}
	return nil
}

// Score is rounded to two decimals.
func (w ATCWeights) Score(age, height, weight float64) float64 {
	return round2((w.Age*age + w.Height*height + w.Weight*weight) / w.Divisor)
}

func (w ATCWeights) ScoreRecord(r types.TraitRecord) float64 {
	return w.Score(r.AgeInYear, r.HeightInInch, r.WeightInKg)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
