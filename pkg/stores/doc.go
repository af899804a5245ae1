// Package stores persists run history in SQLite. Every terminal run result
// is written with its step records, so finished runs can be listed and
// inspected after the process exits.
package stores
