// Package store defines the persistence model for crawl targets, jobs,
// step audit records and archived documents, plus the interfaces the
// pipeline and API depend on. Implementations live in subpackages; this
// package must not import database drivers or concrete clients.
package store
