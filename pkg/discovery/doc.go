// Package discovery advertises the CoAP server over mDNS/DNS-SD.
//
// One service instance is registered per open endpoint:
//
//   - _coap._udp and _coap._tcp for the plain endpoints (port 5683)
//   - _coaps._udp and _coaps._tcp for DTLS and TLS (port 5684)
//
// # TXT Records
//
// Each instance carries the path of the served resource, its resource
// type, the supported content formats, whether it is observable and the
// security mode of the endpoint (none, psk or pki). Clients such as the
// home-center discover the server by browsing for _coap._udp and reading
// the path key.
package discovery
