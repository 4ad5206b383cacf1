//go:build !sqlite
// +build !sqlite

package queuestore

import (
	"fmt"
	"log/slog"
)

func openSQLite(path string, logger *slog.Logger) (Store, error) {
	return nil, fmt.Errorf("sqlite backend requires building with -tags sqlite")
}
