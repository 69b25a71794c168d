// logger.go
package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strings"
)

// Log levels, lowest to highest. LOG_LEVEL selects the minimum level
// that gets printed; everything below it is dropped.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var logLevel = levelInfo

func initLogging() {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logLevel = levelDebug
	case "warn":
		logLevel = levelWarn
	case "error":
		logLevel = levelError
	default:
		logLevel = levelInfo
	}
}

func LogDebug(format string, args ...interface{}) {
	if logLevel <= levelDebug {
		log.Printf("🔍 "+format, args...)
	}
}

func LogInfo(format string, args ...interface{}) {
	if logLevel <= levelInfo {
		log.Printf(format, args...)
	}
}

func LogWarn(format string, args ...interface{}) {
	if logLevel <= levelWarn {
		log.Printf("⚠️ "+format, args...)
	}
}

func LogError(format string, args ...interface{}) {
	if logLevel <= levelError {
		log.Printf("❌ "+format, args...)
	}
}

// generateRequestID returns a short identifier used to correlate all log
// lines produced while handling a single webhook delivery.
func generateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "req-00000000"
	}
	return "req-" + hex.EncodeToString(b)
}
