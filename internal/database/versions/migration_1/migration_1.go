package migration_1

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Model struct {
	Error sql.NullString
}

type ModelEvaluation struct {
	Id      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ModelId uuid.UUID `gorm:"type:uuid;index"`

	DatasetDir      string `gorm:"not null"`
	SamplesPerClass int
	Status          string `gorm:"size:20;not null"`

	Total    int
	Correct  int
	Accuracy float64
	Error    sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Classes []EvaluationClass `gorm:"foreignKey:EvaluationId;constraint:OnDelete:CASCADE"`
}

type EvaluationClass struct {
	EvaluationId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Class        string    `gorm:"primaryKey"`
	Total        int
	Correct      int
	Accuracy     float64
}

// Migration adds model evaluations and the error column on models.
func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Model{}, "error"); err != nil {
		return fmt.Errorf("error adding error column to models: %w", err)
	}

	if err := db.AutoMigrate(&ModelEvaluation{}, &EvaluationClass{}); err != nil {
		return fmt.Errorf("error creating evaluation tables: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&EvaluationClass{}, &ModelEvaluation{}); err != nil {
		return fmt.Errorf("error dropping evaluation tables: %w", err)
	}

	if err := db.Migrator().DropColumn(&Model{}, "error"); err != nil {
		return fmt.Errorf("error dropping error column from models: %w", err)
	}

	return nil
}
