// Package suite holds the test cases a harness run feeds to every adapter.
//
// A TestCase is a schema plus an ordered list of Tests, each pairing an
// instance with the validity the suite expects (the oracle). Cases are loaded
// once and shared read-only by every session for the rest of the run.
//
// # Input Format
//
// Cases are read as JSON Lines, one case per line:
//
//	{"description": "integers", "schema": {"type": "integer"}, "tests": [
//	    {"description": "one", "instance": 1, "valid": true},
//	    {"description": "a string", "instance": "1", "valid": false}]}
//
// Blank lines are ignored. Every test must carry "valid".
package suite
