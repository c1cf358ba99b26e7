package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// Migrate applies (or, with down, reverts) the SQL migrations found in dir.
// It reports false when there was nothing to do.
func Migrate(connStr, dir string, down bool) (bool, error) {
	m, err := migrate.New("file://"+dir, connStr)
	if err != nil {
		return false, errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to apply migrations")
	}
	return true, nil
}
