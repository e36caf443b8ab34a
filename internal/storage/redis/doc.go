// Package redis keeps core vault execution marks in Redis so that several
// evaluator processes share one view of in-flight transfers.
package redis
