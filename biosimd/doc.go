// Package biosimd provides table-driven operations on ASCII base sequences:
// cleaning reference sequences before they are indexed, and counting base
// composition while reads are summarized. Every function is a single pass
// over the input with one table lookup per byte.
package biosimd
