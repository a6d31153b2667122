// Package migrations embeds the SQL schema for every supported database.
//
// postgres/ holds goose migrations. sqlite/ holds plain scripts applied in
// file name order, tracked through PRAGMA user_version.
package migrations

import "embed"

const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
