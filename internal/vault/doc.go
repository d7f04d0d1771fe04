// Package vault stores provider credentials behind a small interface. The
// rule orchestrator reads tokens transiently to build header-injection
// rules; nothing in the core ever writes a raw credential to its own state.
//
// Two backends ship: an in-memory vault and one backed by the operating
// system keyring.
package vault
