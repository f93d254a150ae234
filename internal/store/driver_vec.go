//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver with the sqlite-vec extension
// loaded, enabling vec0 virtual tables for ANN search.
const driverName = "sqlite3"

func init() {
	// vec.Auto() registers sqlite-vec as an auto-loadable extension with
	// the mattn/go-sqlite3 driver.
	vec.Auto()
}
