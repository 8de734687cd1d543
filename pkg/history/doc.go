// Package history journals terminal queries on the master in BoltDB,
// so what happened to a query survives a master restart.
package history
