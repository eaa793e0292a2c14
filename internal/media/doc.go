// Package media describes the boundary between the relay's signaling layer and
// the engine that moves RTP. The interfaces mirror the worker, router,
// transport, producer and consumer handles exposed by SFU engines, and the
// parameter structs serialise to the JSON shapes browser clients expect.
//
// The local subpackage ships an in-process engine that terminates the plain
// ingest transport and accounts for consumer fan-out. It does not perform ICE
// or DTLS; deployments that serve real viewers plug in a full engine behind the
// same interfaces.
package media
