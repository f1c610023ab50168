// Package relay bridges SIP-over-WebSocket clients (RFC 7118) to a UDP SIP
// server.
//
// Every WebSocket connection owns exactly one connected UDP socket. Outbound
// messages have their Via and Contact headers rewritten to the socket's local
// address so replies route back to it; inbound datagrams are forwarded to the
// WebSocket verbatim.
package relay
