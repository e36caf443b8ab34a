// Package mysql persists core vault execution marks in MySQL. It owns the
// schema migrations under deploy/migrations and the connection pool setup.
package mysql
