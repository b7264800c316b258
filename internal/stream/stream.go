// Package stream provides the byte-transport abstraction the rest of the
// module reads raw receiver/correction data from and writes solutions and
// logs to, grounded on the teacher's src/stream.go (FileType/SerialComm/
// TcpConn/TcpSvr/NTrip). The teacher expresses every transport as one
// giant tagged struct (Dev, ctype, state ints) reached through package-
// level functions; here each transport is its own type behind a single
// Stream interface, and a caller picks the concrete type it wants rather
// than branching on a device-type code.
package stream

import "io"

// State mirrors the teacher's stream state codes (CLOSE/WAIT/CONNECT).
type State int

const (
	StateClosed State = iota
	StateWaiting
	StateConnected
	StateError
)

// Stream is anything the module can read a byte feed from and/or write one
// to: a serial port, a TCP socket, an NTRIP mountpoint, or a replay/log
// file. Grounded on the teacher's common Open/Read/Write/State surface
// shared by every stream type in src/stream.go.
type Stream interface {
	io.ReadWriteCloser
	State() State
}

// StatExer is implemented by streams that can report a human-readable
// extended status block, the teacher's StatEx family (StatExSerial,
// StatExTcpSvr, ...). Optional: most callers only need State().
type StatExer interface {
	StatEx() string
}
