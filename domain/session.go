package domain

// Session is the explicit session context handed into the consumer cycle.
// It replaces ambient lookup of the logged-in user: whoever drives the
// cycles owns exactly one Session value and passes it down.
type Session struct {
	LoggedIn    bool   `json:"logged_in"`
	User        string `json:"user"`
	ProfileType string `json:"profile_type"`

	// PendingRequestID holds the message id of the last unacknowledged
	// pre-session request (login or account creation). It is the only
	// correlation point for comebacks that arrive before a session exists,
	// and the only cancellation point: overwriting it abandons interest in
	// the previous request's response. Not persisted.
	PendingRequestID string `json:"-"`
}

// Active reports whether a user is logged in.
func (s *Session) Active() bool {
	return s != nil && s.LoggedIn && s.User != ""
}
