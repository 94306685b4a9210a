package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials is one role's Basic auth identity. An empty Username disables
// the check for that role. When PasswordHash is set it is a bcrypt hash and
// takes precedence over Password.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

// Enabled reports whether requests must carry these credentials
func (c Credentials) Enabled() bool {
	return c.Username != ""
}

// Validate checks an Authorization header against the credentials
func (c Credentials) Validate(authHeader string) bool {
	if !c.Enabled() {
		return true
	}

	username, password, ok := ParseBasicAuth(authHeader)
	if !ok {
		return false
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	var passwordMatch bool
	if c.PasswordHash != "" {
		passwordMatch = bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
	} else {
		passwordMatch = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}

	return usernameMatch && passwordMatch
}

// Header renders the Authorization header value, or "" when disabled
func (c Credentials) Header() string {
	if !c.Enabled() {
		return ""
	}
	return CreateBasicAuthHeader(c.Username, c.Password)
}

// ParseBasicAuth splits a "Basic <base64(user:pass)>" header
func ParseBasicAuth(authHeader string) (string, string, bool) {
	encoded, found := strings.CutPrefix(authHeader, "Basic ")
	if !found {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	return username, password, ok
}

// CreateBasicAuthHeader creates a Basic Auth header value
func CreateBasicAuthHeader(username, password string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + encoded
}
