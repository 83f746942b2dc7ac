// Package hostctl carries lattice control traffic over TCP as newline-delimited JSON.
//
// Ownership boundary:
// - Client: lattice.Backend over a control endpoint and an events endpoint
// - Server: exposes any lattice.Backend on those two endpoints
//
// Control requests are one line in, one line out, except auctions, which stream
// one bid line per bid and a terminal done line. An events connection carries a
// single subscribe request, a subscribed ack, and then one event per line.
package hostctl
