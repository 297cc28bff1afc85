// Package store defines interfaces for persistence dependencies (unit run
// history, keyword match log, rate-limit snapshots). Implementations live in
// other packages; this package must not import database drivers or concrete
// clients.
package store
