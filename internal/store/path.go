package store

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the data root when set.
const HomeEnv = "OUTBOX_HOME"

// DefaultRoot returns the root directory for outbox data.
// OUTBOX_HOME wins when set; otherwise ~/.outbox, falling back to ./.outbox
// if the home dir is unavailable.
func DefaultRoot() string {
	if v := os.Getenv(HomeEnv); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".outbox")
	}
	return filepath.Join(home, ".outbox")
}

// DefaultDBPath returns the path of the shared outbox database.
// All tenants live in the same file; rows are scoped by tenant column.
func DefaultDBPath() string {
	return DBPath(DefaultRoot())
}

// DBPath returns the database file path under root.
// Example: DBPath("/var/lib/app") -> /var/lib/app/outbox.db
func DBPath(root string) string {
	return filepath.Join(root, "outbox.db")
}
