package queuestore

import (
	"fmt"
	"log/slog"
)

// Open constructs the Store named by backend: "memory", "badger" or
// "sqlite". The sqlite backend requires building with the sqlite tag.
func Open(backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "memory":
		return NewInMemoryStore(), nil
	case "badger":
		return NewBadgerStore(path, logger)
	case "sqlite":
		return openSQLite(path, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
