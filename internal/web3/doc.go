// Package web3 houses blockchain connectivity shared by the core vault
// tooling: chain definitions, the minimal client contract used by ledgers
// and the snapshot reported by health checks.
package web3
