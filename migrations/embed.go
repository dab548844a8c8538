// Package migrations embeds SQL migration files into the binary.
//
// The mirror runs migrations itself on startup, so deployments ship a
// single executable - no SQL files on the filesystem.
package migrations

import (
	"embed"

	"github.com/nerrad567/hubmirror/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the database package.
	// The embed directive above captures all .sql files in this directory.
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
