package database

import (
	"embed"
	"io/fs"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsFS returns the embedded migrations, rooted at their directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationFiles, migrationsDir)
	if err != nil {
		panic(err)
	}
	return sub
}
