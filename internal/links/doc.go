// Package links owns the in-memory interface link registry.
//
// Ownership boundary:
// - link identity (source, name, wit namespace, wit package)
// - interface disjointness within one identity slot
// - slot removal and snapshot iteration
//
// The registry is the only owner of stored link data; callers always receive copies.
package links
