// Package recorder keeps a SQLite history of core vault decisions and of the
// agents created through the create-agent workflow.
package recorder
