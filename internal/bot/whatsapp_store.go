package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"
)

const sqliteDialect = "sqlite"

// sqliteDSN builds a modernc.org/sqlite address with the pragmas whatsmeow
// requires.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

// openWhatsAppStore opens (creating if needed) the sqlite credential store
// at path and runs whatsmeow's schema upgrades.
func openWhatsAppStore(ctx context.Context, path string) (*sqlstore.Container, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	container, err := sqlstore.New(ctx, sqliteDialect, sqliteDSN(path), newWALogger("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp store %s: %w", path, err)
	}
	return container, nil
}
