// Package chunk splits files into fixed-size, content-addressed chunks and
// reassembles them with integrity verification.
//
// Each chunk is identified by the hex SHA-256 digest of its own bytes, so
// identical chunks deduplicate naturally in the store. A Manifest describes
// how a file decomposes into chunks and is the unit peers exchange to
// negotiate a transfer before any chunk bytes move.
package chunk
