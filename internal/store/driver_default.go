//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver. ANN search is served by
// the brute-force scan; the vec0 probe fails and vectorExt stays false.
const driverName = "sqlite"
