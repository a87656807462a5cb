// Package blockwise holds the pending exchanges of RFC 7959 block-wise
// transfers.
//
// Uploads (Block1) are keyed by session and token. Each block must start
// exactly where the accumulated body ends; a gap or overlap drops the
// exchange and fails with ErrIncomplete, there is no gap filling.
//
// Downloads (Block2) are keyed by session and path. The first request
// renders the representation once; follow-up blocks are cut from that
// snapshot and carry its ETag, so a client never mixes two versions.
//
// Every exchange has a deadline and is removed by Expire once it passes.
// The Store is owned by the protocol goroutine and is not safe for
// concurrent use.
package blockwise
