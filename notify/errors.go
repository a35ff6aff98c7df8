package notify

import "errors"

var (
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("notify: broker not connected")
	// ErrConnectionFailed wraps broker dial failures.
	ErrConnectionFailed = errors.New("notify: connection failed")
	// ErrPublishFailed wraps publish failures and timeouts.
	ErrPublishFailed = errors.New("notify: publish failed")
	// ErrInvalidNotice is returned for notices without a kind or recipient.
	ErrInvalidNotice = errors.New("notify: invalid notice")
)
