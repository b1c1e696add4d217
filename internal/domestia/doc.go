// Package domestia implements the UDP protocol spoken by Domestia home-automation
// controllers: command frame encoding, state frame parsing, the hybrid push/poll
// state acquisition loop, the discovery handshake and a per-address client registry.
//
// A controller answers on a single UDP port (52000 by default). All frames start
// with 0xFF; outgoing frames carry a trailing checksum equal to the sum of the
// bytes from offset 4 onward, modulo 256.
package domestia
