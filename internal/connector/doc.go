// Package connector holds the pieces shared by every source connector: the
// JSON cursor encodings and helpers for building raw items. Concrete
// connectors live in subpackages, one per source family.
package connector
