// Package doc defines the value model for document fields.
//
// Documents in the remote store are objects of String, Int, Bool, Null,
// Array and Object values. Floats are rejected at every boundary so that
// ledger amounts stay exact integer minor units and canonical encodings are
// stable across backends.
package doc
