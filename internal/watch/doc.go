// Package watch declares what a session subscribes to.
//
// A Spec names one remote target (a document, a collection, or a collection
// group), its storage class, predicates and seed defaults. Specs are
// validated once at construction and never change afterwards. A Catalog is
// the master list; each session opens the subset tagged with its role.
package watch
