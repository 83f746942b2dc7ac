// Package placement owns the start/scale command protocol.
//
// Ownership boundary:
// - host selection (explicit hint or first auction bid)
// - subscribe-before-dispatch event waits
// - ack interpretation and event correlation by (host id, artifact ref)
// - the uniform command Output and CommandError shapes
//
// A run moves resolving_host -> dispatching -> awaiting_ack ->
// (awaiting_confirmation | done). Nothing is retried; callers re-issue commands.
package placement
