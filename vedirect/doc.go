// Package vedirect decodes the text telemetry protocol of battery monitors,
// solar chargers and inverters.
//
// Wire format: each field is "\r\n" label "\t" value, a frame ends with
// "\r\nChecksum\t" and one byte that makes 8-bit sum of all frame bytes zero.
// Device pushes one frame per second, unsolicited. HEX command mode is not supported.
package vedirect
