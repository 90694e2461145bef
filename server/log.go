package server

import (
	"io"
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// SetDebug turns per-request debug logging on or off.
func SetDebug(enabled bool) {
	if enabled {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
		return
	}
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}
