//go:build purego || !cgo

package xsqlite

import (
	"errors"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	sqliteDriverType = "sqlite"
	sqliteBuildType  = "purego"
)

func isUniqueConstraintError(e error) bool {
	var sErr *sqlite.Error
	if !errors.As(e, &sErr) {
		return false
	}

	return sErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
}
