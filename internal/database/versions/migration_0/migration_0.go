package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

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

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Classes []ModelClass `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`
}

type ModelClass struct {
	ModelId    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClassIndex int       `gorm:"primaryKey;autoIncrement:false"`
	Name       string    `gorm:"not null"`
	TrainCount int
	Weight     sql.NullFloat64
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Model{}, &ModelClass{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
