package stream

import (
	"log"
	"os"
)

var debugEnabled = os.Getenv("VIBETUNNEL_DEBUG") == "1" || os.Getenv("VIBETUNNEL_DEBUG") == "true"

func debugLogf(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf(format, args...)
	}
}
