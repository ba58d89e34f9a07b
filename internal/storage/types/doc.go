// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Reading: a single (timestamp, angle, distance) sample
//   - Columns: index-aligned timestamp/angle/distance columns of one batch
//   - SessionInfo: metadata of one acquisition session within a day group
//   - SessionSummary: aggregated distance statistics of a session
package types
