// Package artifact implements the content-addressed cache and the chunked
// transfer codec for streaming artifacts to workers. Chunks are compressed
// independently (NONE, GZIP or ZSTD); integrity is a SHA-256 over the whole
// decompressed artifact, declared on the final chunk.
package artifact
