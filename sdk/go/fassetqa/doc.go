// Package fassetqa is a Go client for the fassetqa management API.
package fassetqa
