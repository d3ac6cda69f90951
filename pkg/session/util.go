package session

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("VIBETUNNEL_DEBUG") == "1" || os.Getenv("VIBETUNNEL_DEBUG") == "true"

// debugLog logs only when VIBETUNNEL_DEBUG is set.
func debugLog(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf(format, args...)
	}
}
