package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minPasswordLength = 6
	minNameLength     = 2
	maxNameLength     = 50
)

var emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)

func isValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateLogin only checks presence; a wrong format simply fails the lookup.
func validateLogin(email, password string) error {
	verr := &ValidationError{}
	if strings.TrimSpace(email) == "" {
		verr.add("email", "Email is required")
	}
	if password == "" {
		verr.add("password", "Password is required")
	}
	return verr.orNil()
}

func validateRegistration(email, password, name string) error {
	verr := &ValidationError{}

	switch {
	case strings.TrimSpace(email) == "":
		verr.add("email", "Email is required")
	case !isValidEmail(strings.TrimSpace(email)):
		verr.add("email", "Invalid email format")
	}

	switch {
	case strings.TrimSpace(password) == "":
		verr.add("password", "Password is required")
	case utf8.RuneCountInString(password) < minPasswordLength:
		verr.add("password", "Password must be at least 6 characters")
	}

	name = strings.TrimSpace(name)
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		verr.add("name", "Name is required")
	case n < minNameLength:
		verr.add("name", "Name must be at least 2 characters")
	case n > maxNameLength:
		verr.add("name", "Name must not exceed 50 characters")
	}

	return verr.orNil()
}
