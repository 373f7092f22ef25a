// Package migrations embeds the workspace-service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
