// Package dynamo is the DynamoDB implementation of remote.Adapter.
//
// Table layout (one table):
//
//	pk       S  collection path, e.g. users/u1/transactions
//	sk       S  document id
//	grp      S  last collection segment, key of the grp-index GSI
//	seq      N  arrival order, sort key of grp-index
//	version  N  bumped on every write, compared by optimistic commits
//	fields   M  document fields
//
// Every write reads the current item and commits with a condition on the
// version it saw (or attribute_not_exists for new documents). Batches and
// transactions commit as one TransactWriteItems call. A lost race surfaces as
// remote.ErrConflict and is retried up to remote.MaxTransactionAttempts times.
//
// Writes made through a Store notify its own subscribers. Writes from other
// processes reach them through the stream Handler or the refresh timer.
package dynamo
