// Package config loads pushdash configuration: a YAML file checked against
// an embedded CUE schema, optional .env loading and PUSHDASH_* environment
// overrides. Absent keys keep their defaults.
package config
