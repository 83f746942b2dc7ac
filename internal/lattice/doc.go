// Package lattice owns the control-plane view of the lattice.
//
// Ownership boundary:
// - host, bid, ack, and event shapes
// - transport collaborator interfaces (auction, dispatch, event subscription, links)
// - host hint resolution and artifact reference normalization
// - in-process event fan-out
//
// Implementations of Client live in hostctl (network) and memlattice (in-memory).
package lattice
