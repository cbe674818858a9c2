// Package dbtx defines the opaque transaction handle threaded through the
// persistence gateway's repository methods. Domain packages (workflow,
// approval, step) depend only on this tiny leaf package, not on the
// concrete storage implementation, so that pkg/storage can implement their
// Store interfaces without creating an import cycle.
package dbtx

// Tx is an opaque transactional handle obtained from a gateway's WithTx and
// passed back into subsequent repository calls that must run in the same
// transaction. Callers never inspect it; only the storage package that
// issued it knows its concrete type.
type Tx interface{}
