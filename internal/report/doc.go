// Package report records the outcome matrix of one harness run.
//
// A Report holds one Cell per (case, implementation) pair. Cases keep the
// order they were added in, so two reports over the same input line up for
// diffing. Cells are written concurrently by dispatch workers and each may be
// written once; Finalize fills whatever was never written with Skipped.
//
// The Report is a pure recorder. It classifies each verdict against the
// oracle and counts outcomes, but never compares implementations with each
// other.
package report
