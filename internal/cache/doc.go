// Package cache implements per-scope cache storage: a set of named, versioned
// stores mapping a request to an immutable response snapshot. Only one store is
// expected to survive activation; the others are orphaned versions waiting to
// be deleted. Two drivers are provided. The fs driver lays entries out under
// StoragePath/<scope>/<cache>/ and writes through temp file + rename; the
// sqlite driver keeps everything in StoragePath/<scope>.db. Matching follows
// the platform Cache rules: GET only, fragment ignored, Vary-aware.
package cache
