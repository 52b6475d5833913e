// Package query defines the filter clauses a watch target may carry.
//
// Predicates are backend-neutral. The in-memory backend and subscription
// routing use Eval directly; the SQLite and DynamoDB backends compile them
// to their own filter languages.
package query
