//go:build !cgo

package store

import (
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Driver names the database/sql driver in use.
const Driver = "modernc-sqlite"

func checkDSN(dsn string) error {
	if isRemote(dsn) {
		return errors.New("libsql URL requires cgo-enabled build")
	}
	return nil
}
