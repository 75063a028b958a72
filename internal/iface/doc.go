// Drivers:
// - Memory: in-process pair for tests and single-binary topologies
// - UDP: one frame per datagram, point-to-point
// - TCP: sync-delimited stream, listen or dial with reconnect backoff
// - Serial: sync-delimited stream over a UART via go.bug.st/serial
package iface
