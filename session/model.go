package session

import "time"

// Session is the server-side half of an authenticated session token.
type Session struct {
	SessionID      string
	AccountID      string
	Roles          []string
	AccountVersion uint32

	// CreatedAt and ExpiresAt are unix seconds. ExpiresAt is the token's hard
	// expiry; sliding never moves it.
	CreatedAt int64
	ExpiresAt int64
}

// remaining is the time left before the earlier of ExpiresAt and
// CreatedAt+absolute.
func (s *Session) remaining(absolute time.Duration, now time.Time) time.Duration {
	end := time.Unix(s.ExpiresAt, 0)
	if absolute > 0 {
		if capped := time.Unix(s.CreatedAt, 0).Add(absolute); capped.Before(end) {
			end = capped
		}
	}
	return end.Sub(now)
}
