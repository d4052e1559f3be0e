// Package session owns the request sequence number and the session
// identifier of a single protocol endpoint.
//
// Both counters wrap modulo 256. The session identifier advances on every
// transfer termination so that replies belonging to an already-terminated
// transfer can be recognized and dropped.
package session
