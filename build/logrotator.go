package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// InitLogRotator initializes the log rotator to write logs to logFile and
// create roll files in the same directory. It should be called as early on
// startup and possible and must be closed on shutdown by calling Close on the
// returned rotator. The rotator's output is attached to the passed LogWriter,
// so messages logged before this call are only written to stdout.
func InitLogRotator(logWriter *LogWriter, logFile string, maxLogFileSize int,
	maxLogFiles int) (*rotator.Rotator, error) {

	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %v", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.RotatorPipe = pw

	return r, nil
}
