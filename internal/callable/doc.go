// Package callable holds the server-side endpoints the dashboard invokes:
// pool-account purchase, user status toggles and admin deposits.
//
// Purchases run as one store transaction. Pool account names are unique
// across all identities through claim documents in poolAccountNames, keyed
// by the NFC, case-folded name.
package callable
