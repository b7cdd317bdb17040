// Package correlation provides the business boundary for alert correlation
// and deduplication. It defines the Scorer (pure similarity scoring), the
// fingerprint hasher, the Merger (serialized duplicate folding), the Service
// (store-facing orchestration and ingestion) and the Store interface.
package correlation
