package jobdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE job(
			id INTEGER PRIMARY KEY,
			created_at INT NOT NULL,
			profile TEXT NOT NULL,
			task TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			source_name TEXT NOT NULL,
			source_origin TEXT,
			threshold REAL NOT NULL,
			num_detections INT NOT NULL,
			best_label TEXT,
			best_class INT,
			best_confidence REAL,
			best_box TEXT,
			result_name TEXT,
			error TEXT,
			duration_ms INT
		);
		CREATE INDEX idx_job_created_at ON job(created_at);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE job ADD COLUMN recipient TEXT;
		ALTER TABLE job ADD COLUMN delivery_error TEXT;
	`))

	return migs
}
