// Package parquet exports datasets to Parquet files.
//
// The package provides:
//   - ReadingWriter/ReadingReader for reading rows keyed by day and session
//   - ExportSessions, which writes all closed sessions of a dataset
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
