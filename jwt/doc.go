// Package jwt issues and verifies the two signed token kinds careAuth hands to
// callers: session tokens and invitation tokens. Each carries a "typ" claim so
// one kind can never be accepted as the other.
package jwt
