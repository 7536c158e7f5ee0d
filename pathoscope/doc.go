// Package pathoscope implements the Pathoscope read reassignment model.
//
// Reads produced by a multi-mapping aligner run (bowtie2 -k) frequently
// align equally well to several closely related reference sequences.
// Pathoscope treats the sample as a mixture of references with unknown
// abundances pi, and uses expectation-maximization to estimate pi together
// with, for every ambiguous read, the posterior probability that it
// originated from each of its candidate references.
//
// The pipeline is:
//
//   1. BuildMatrix reads a VTA file (see package vta) into a sparse
//      read-by-reference Matrix, splitting reads that hit a single
//      reference ("unique") from those that hit several ("non-unique") and
//      rescaling alignment scores to likelihood weights.
//
//   2. EM estimates pi and the per-read posteriors, and computes best-hit
//      summaries before and after reassignment.
//
//   3. RewriteAlignments emits the reassigned VTA: alignments whose posterior
//      exceeds a threshold, scored by that posterior.
//
//   4. Summarize and WriteReport produce the per-reference statistics.
//
// Run chains all of the above for a file-based analysis.
package pathoscope
