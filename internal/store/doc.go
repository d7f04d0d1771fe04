// Package store provides the two key-value namespaces the recovery protocol
// is built on: a durable, file-backed one that survives process teardown and
// a volatile, in-memory one that is empty after every boot by construction.
package store
