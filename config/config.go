package config

import (
	"io"
	"log"
	"os"
)

var verboseLogger = log.New(io.Discard, "", 0)

// InitLogger routes diagnostic output to stderr when verbose is set; otherwise
// it is discarded. Result output always goes to stdout, so diagnostics never
// pollute machine-readable output.
func InitLogger(isVerbose bool) {
	var output io.Writer = io.Discard
	if isVerbose {
		output = os.Stderr
	}
	verboseLogger = log.New(output, "", log.Ldate|log.Ltime)
}

// Verbosef logs a diagnostic line through the verbose logger.
func Verbosef(format string, args ...any) {
	verboseLogger.Printf(format, args...)
}
