package logfile

import "errors"

var (
	errSealed  = errors.New("log file sealed")
	errCorrupt = errors.New("corrupt frame")
)

// IsCorrupt reports whether err indicates a corrupt/truncated frame, as
// opposed to a genuine I/O failure. Recovery-time readers tolerate a
// corrupt trailing record; replay fails on a corrupt interior one.
func IsCorrupt(err error) bool {
	return errors.Is(err, errCorrupt)
}

// IsSealed reports whether err indicates an append was attempted on a
// sealed (committed) file.
func IsSealed(err error) bool {
	return errors.Is(err, errSealed)
}
