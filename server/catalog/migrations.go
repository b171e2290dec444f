package catalog

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

// The SQL here must run on both SQLite and Postgres
func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE videos(
			id TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			original_ext TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			duration_sec DOUBLE PRECISION NOT NULL,
			fps DOUBLE PRECISION NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			filter TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			path_original TEXT NOT NULL,
			path_processed TEXT NOT NULL
		);
		CREATE INDEX idx_videos_created_at ON videos(created_at);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		ALTER TABLE videos ADD COLUMN frame_count BIGINT NOT NULL DEFAULT 0;
		ALTER TABLE videos ADD COLUMN path_thumbnail TEXT NOT NULL DEFAULT '';
	`))

	return migs
}
