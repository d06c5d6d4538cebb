// Package invoicing exposes the synchronous invoice triggers: creating the
// primary invoice of a quote, re-syncing it after a menu change, revising
// prices, confirming processor payments and the nightly reconciliation pass.
package invoicing
