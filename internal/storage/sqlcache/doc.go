// Package sqlcache persists completion cache entries in a relational table.
// MySQL serves shared deployments and SQLite serves single-node or embedded
// use. Schema migrations are embedded per dialect and applied on open.
package sqlcache
