package audit

import "embed"

// MigrationFS embeds the audit store's schema so the binary carries its
// own migrations; nothing needs to exist on disk beside the database
// file itself.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
