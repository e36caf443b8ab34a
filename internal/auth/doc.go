// Package auth guards the management API with static bearer tokens and
// per-method permissions.
package auth
