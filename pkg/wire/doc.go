// Package wire defines the CoAP message model and its two wire encodings.
//
// A Message is encoded either in the datagram format of RFC 7252 (used on
// UDP and DTLS) or in the stream format of RFC 8323 (used on TCP and TLS).
// Both encodings share the same option encoding and payload marker; they
// differ only in the fixed header.
//
// # Datagram Header
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// # Stream Header
//
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Len  |  TKL  | Extended Length (0/8/16/32 bits)  |    Code   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Len covers the options, the payload marker and the payload.
//
// # Options
//
// Options are kept in insertion order on a Message and sorted by number
// when encoded. Typed accessors exist for the options the server
// interprets: Uri-Path, Uri-Query, Observe, Block1/Block2, Content-Format,
// Accept, ETag, Max-Age and Size1/Size2.
//
// # Payload Encoding
//
// The package also owns the CBOR encoder and decoder modes used for
// application/cbor payloads, so every CBOR body leaving the server is
// encoded deterministically.
package wire
