package db

import "embed"

// MigrationFS embeds the SQL migration files from internal/db/migrations.
// Both cmd/migrate and the optional auto-migrate step at service startup
// apply them through the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
