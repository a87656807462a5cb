// Package persistence keeps resource state across process restarts.
//
// States are stored in a bbolt database, one CBOR-encoded record per
// resource path. The server's own restart loop does not need this package:
// resources outlive a rebuilt Context in memory. Persistence only matters
// when the process itself restarts.
package persistence
