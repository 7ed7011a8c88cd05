package domain

import (
	"fmt"
	"net"
	"regexp"
)

var (
	emailRegex   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex   = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	codeRegex    = regexp.MustCompile(`^[0-9]{6}$`)
	backupRegex  = regexp.MustCompile(`^[A-Z2-7]{4}-?[A-Z2-7]{4}$`)
	eventTypeRgx = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)
)

// ValidateEmail checks if an email address is valid.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidatePhone checks for an E.164 phone number.
func ValidatePhone(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return fmt.Errorf("phone must be in E.164 format")
	}
	return nil
}

// ValidateIP checks that ip parses as an IPv4 or IPv6 address.
func ValidateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address: %q", ip)
	}
	return nil
}

// ValidateEventType checks the dotted lower-case event type format.
func ValidateEventType(t EventType) error {
	if !eventTypeRgx.MatchString(string(t)) {
		return fmt.Errorf("invalid event type: %q", t)
	}
	return nil
}

// ValidateOutcome checks that o is a known outcome.
func ValidateOutcome(o Outcome) error {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeError:
		return nil
	}
	return fmt.Errorf("invalid outcome: %q", o)
}

// LooksLikeOTP reports whether code has the shape of a 6-digit one-time code.
func LooksLikeOTP(code string) bool {
	return codeRegex.MatchString(code)
}

// LooksLikeBackupCode reports whether code has the shape of a backup code.
func LooksLikeBackupCode(code string) bool {
	return backupRegex.MatchString(code)
}
