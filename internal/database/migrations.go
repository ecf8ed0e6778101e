package database

import (
	"log/slog"

	"farmvision-backend/internal/database/versions/migration_0"
	"farmvision-backend/internal/database/versions/migration_1"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// migrations must only ever be appended to. Each migration works on its own
// frozen copy of the schema in versions/.
var migrations = []*gormigrate.Migration{
	{ID: "0", Migrate: migration_0.Migration},
	{ID: "1", Migrate: migration_1.Migration, Rollback: migration_1.Rollback},
}

func isSqlite(db *gorm.DB) bool {
	name := db.Dialector.Name()
	return name == "sqlite" || name == "sqlite3"
}

func GetMigrator(db *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(db, gormigrate.DefaultOptions, migrations)

	// On an empty database the current schema is created directly and every
	// migration above is recorded as applied.
	migrator.InitSchema(func(txn *gorm.DB) error {
		slog.Info("clean database detected, creating schema", "dialect", db.Dialector.Name(), "version", migrations[len(migrations)-1].ID)

		if isSqlite(db) {
			if err := txn.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
				slog.Error("error enabling sqlite foreign keys", "error", err)
			}
		}

		return txn.AutoMigrate(&Model{}, &ModelClass{}, &ModelEvaluation{}, &EvaluationClass{})
	})

	return migrator
}
