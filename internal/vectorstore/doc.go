// Package vectorstore implements the vault's per-user vector storage layer.
//
// The layer has two halves. Backend is the raw similarity-engine contract
// with two implementations: an embedded chromem-go database (default, zero
// external dependencies) and an external Qdrant server over gRPC. Store sits
// above a Backend and owns everything the engines do not: deterministic
// per-(category, user) collection naming, metadata schema serialization,
// batch validation, owner isolation and the fixed error-code surface.
//
// Collection identity is a pure function of (CollectionType, userID); users
// never share collections. Embeddings are stored unencrypted by design:
// similarity search computes distances directly on the vectors, and an
// encrypted vector cannot be searched. See the encryption layer in
// internal/vault for the content-side of that tradeoff.
package vectorstore
