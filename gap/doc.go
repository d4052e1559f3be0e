// Package gap tracks the byte ranges known to be missing from a
// streaming download and schedules retransmission requests for them.
//
// Ranges are kept in insertion order with a per-range last-attempt time.
// The retry policy is entirely caller-clocked: the owning engine calls
// Tick with its own time sample, so no internal timers exist and tests
// run deterministically.
package gap
