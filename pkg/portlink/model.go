package portlink

import (
	"io"
	"sync/atomic"
)

// Link opens serial device nodes as session channels. The OS presents a
// paired radio channel as a tty (rfcomm binding), so the radio side of
// the stack never shows up here, only the byte stream it carries.
type Link struct {
	baudrate uint
}

type serialChannel struct {
	port io.ReadWriteCloser
	open atomic.Bool
}
