// logger.go
package oauth

import (
	"log"
)

// Prefixed log helpers for the connect flow. The 🔐 marker makes it easy
// to pull OAuth lines out of the combined gateway log.

func LogError(format string, args ...interface{}) {
	log.Printf("🔐❌ OAUTH: "+format, args...)
}

func LogInfo(format string, args ...interface{}) {
	log.Printf("🔐ℹ️ OAUTH: "+format, args...)
}

func LogDebug(format string, args ...interface{}) {
	log.Printf("🔐🔍 OAUTH: "+format, args...)
}
