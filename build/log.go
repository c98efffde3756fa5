package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
)

// LogWriter is a stub io.Writer that replicates all messages to both stdout
// and a log rotator pipe, once one has been initialized via InitLogRotator.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for the in-memory log rotator.
	RotatorPipe *io.PipeWriter
}

// Write writes the byte slice to both stdout and the log rotator, if
// initialized.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}

	return len(b), nil
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}
