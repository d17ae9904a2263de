// Package sqlstore opens MySQL or SQLite connection pools and applies the
// embedded schema migrations under deploy/migrations. The audit SQL sink is
// its only consumer.
package sqlstore
