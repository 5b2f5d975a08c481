package config

import (
	"os"
	"strings"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// VerifyDocumentUploads makes attachment commands check that the object exists in the bucket.
//
// Set via env:
// - VERIFY_DOCUMENT_UPLOADS=true
func VerifyDocumentUploads() bool {
	return boolFromEnv("VERIFY_DOCUMENT_UPLOADS")
}

// SkipMigrations disables AutoMigrate at startup (schema managed out of band).
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS")
}

// NotificationsEnabled starts the outbox dispatcher. Rows are still written when it is off.
//
// Set via env:
// - NOTIFICATIONS_ENABLED=true
func NotificationsEnabled() bool {
	return boolFromEnv("NOTIFICATIONS_ENABLED")
}

// DefaultPhoneRegion is the ISO region used to parse payee phone numbers without a country code.
func DefaultPhoneRegion() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("DEFAULT_PHONE_REGION")))
	if v == "" {
		return "MM"
	}
	return v
}
