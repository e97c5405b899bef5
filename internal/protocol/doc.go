// Package protocol implements the IHOP wire format spoken between the harness
// and an adapter.
//
// IHOP is line-delimited JSON over the adapter's standard input and output:
// one message per line, one request in flight at a time. There are exactly
// four requests, distinguished by "cmd":
//
//	{"cmd": "start", "version": 1}
//	{"cmd": "dialect", "dialect": "<uri>"}
//	{"cmd": "run", "seq": <token>, "case": {...}}
//	{"cmd": "stop"}
//
// Responses carry no discriminator; which shape is expected depends on the
// request outstanding. Every decoded message is checked against the CUE
// definitions embedded from schema.cue before it is turned into a typed
// value, so a malformed reply surfaces as a *DecodeError rather than a
// half-filled struct. Unknown fields are tolerated.
package protocol
