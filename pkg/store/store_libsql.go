//go:build cgo

package store

import (
	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

// Driver names the database/sql driver in use.
const Driver = "libsql"

func checkDSN(string) error { return nil }
