// Package db ships the SQL migrations inside the binary.
package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var files embed.FS

// Migrations returns the embedded migration files rooted at their directory,
// so names read as "0001_init.up.sql".
func Migrations() (fs.FS, error) {
	return fs.Sub(files, "migrations")
}
