// Package model holds the dashboard's domain records and their document codecs.
//
// Decoding is lenient about missing fields and strict about mistyped ones.
// Amounts are signed integer minor units; timestamps are stored as Unix
// milliseconds.
package model
