// Package db provides the database driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/server/profile"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db/mysql"
	"github.com/parleyhq/parley/store/db/postgres"
	"github.com/parleyhq/parley/store/db/sqlite"
)

// NewDriver creates the driver named by the profile.
func NewDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "sqlite":
		return sqlite.NewDB(p.DSN)
	case "mysql":
		return mysql.NewDB(p.DSN)
	case "postgres":
		return postgres.NewDB(p.DSN)
	default:
		return nil, errors.Errorf("unknown db driver: %s", p.Driver)
	}
}
