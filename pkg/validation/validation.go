package validation

import (
	"fmt"
	"net/url"
	"regexp"
)

var (
	// EndpointIDRegex matches ids an endpoint may propose for itself
	EndpointIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PairingIDRegex matches pairing and session ids handed out by the relay
	PairingIDRegex = regexp.MustCompile(`^[a-z]+_[a-f0-9]{16}$`)
)

// ValidateEndpointID validates an endpoint ID
func ValidateEndpointID(id string) error {
	if id == "" {
		return fmt.Errorf("endpoint ID is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("endpoint ID is too long (max 64 characters)")
	}
	if !EndpointIDRegex.MatchString(id) {
		return fmt.Errorf("invalid endpoint ID format")
	}
	return nil
}

// ValidatePairingID validates a pairing ID
func ValidatePairingID(id string) error {
	if id == "" {
		return fmt.Errorf("pairing ID is required")
	}
	if !PairingIDRegex.MatchString(id) {
		return fmt.Errorf("invalid pairing ID format")
	}
	return nil
}

// ValidateRelayURL validates the websocket URL an agent dials
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateQuality validates an encoder quality factor
func ValidateQuality(q float64) error {
	if q <= 0 || q > 1 {
		return fmt.Errorf("quality must be in (0, 1], got %v", q)
	}
	return nil
}

// ValidateQualityRange validates min <= initial <= max quality bounds
func ValidateQualityRange(minQ, initial, maxQ float64) error {
	for _, q := range []float64{minQ, initial, maxQ} {
		if err := ValidateQuality(q); err != nil {
			return err
		}
	}
	if minQ > initial || initial > maxQ {
		return fmt.Errorf("quality bounds out of order: min %v, initial %v, max %v", minQ, initial, maxQ)
	}
	return nil
}
