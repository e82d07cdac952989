//go:build !sqlite3_cgo

package db

import (
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)

// fileDSN opens path read/write, creating it, with the busy timeout set on every
// pooled connection
func fileDSN(path string, busyTimeoutMs int) string {
	return fileURI(path, fmt.Sprintf("mode=rwc&_txlock=immediate&_pragma=busy_timeout(%d)", busyTimeoutMs))
}
