// Package migrations embeds SQL migration files into the binary so Gatekeep
// can migrate its schema without SQL files on the filesystem.
package migrations

import (
	"embed"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // files are at the root of the embedded FS
}
