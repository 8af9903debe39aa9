// Package stores provides the SQLite persistence layer of stratus: the
// last-applied instance states read by the resolvers, operation records with
// their per-instance progress, and the append-only operation event log.
// Migrations are embedded and applied with golang-migrate.
package stores
