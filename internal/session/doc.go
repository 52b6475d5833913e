// Package session ties one signed-in caller to a running sync engine.
//
// Open resolves the role's watch specs, starts the engine and hands back a
// Session exposing readiness, the derived dashboard, push workflows and the
// callable endpoints. Nothing is global: every component receives the
// remote client explicitly, and Close tears the whole graph down.
package session
