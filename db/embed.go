package db

import "embed"

// MigrationsFS contains the SQL migrations for every supported dialect, one directory per dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationsFS embed.FS
