// Package wsframe: the 64-bit extended length field (length marker 127) is decoded
// and encoded with native Go uint64 arithmetic, so there is no 2^53 payload
// ceiling here — a limit some WebSocket implementations carry over from
// using floating-point arithmetic for the upper 32 bits of the length.
package wsframe
