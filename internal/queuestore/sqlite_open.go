//go:build sqlite
// +build sqlite

package queuestore

import "log/slog"

func openSQLite(path string, logger *slog.Logger) (Store, error) {
	return NewSQLiteStore(path, logger)
}
