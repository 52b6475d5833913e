// Package push implements the push workflow: compose a push for a product,
// pick a pool account not used today, tick progress to 100% and append one
// commission record to the caller's ledger.
package push
