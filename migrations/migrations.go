// Package migrations contains the embedded SQL migrations.
package migrations

import (
	"embed"
)

//go:embed *.sql
var FS embed.FS
