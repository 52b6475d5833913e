// Package views derives read-only values from mirrored records: balance,
// daily push quota, today's pushed accounts, tier and the referral forest.
//
// Every function here is pure. Calendar days are taken in the caller's
// location, never UTC.
package views
