package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateEndpointID returns the id assigned to a freshly connected endpoint
func GenerateEndpointID() string {
	return uuid.NewString()
}

// GeneratePairingID generates a unique pairing ID
func GeneratePairingID() string {
	return GenerateID("pair")
}

// GenerateSessionID generates a unique streaming session ID
func GenerateSessionID() string {
	return GenerateID("sess")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateID returns prefix joined with a compact random UUID
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
