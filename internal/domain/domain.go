package domain

import "time"

// User is the identity record returned by the authentication API. It is
// treated as immutable by this subsystem.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Session holds the authenticated session's credentials and identity.
// Invariant: Authenticated implies AccessToken, RefreshToken and User are all
// set. The session controller is the only writer; everyone else reads copies.
type Session struct {
	AccessToken   string
	RefreshToken  string
	User          *User
	Authenticated bool
}

// Clear resets the session to its empty, unauthenticated form.
func (s *Session) Clear() {
	*s = Session{}
}

// Notification is a single feed entry. ID is globally unique and stable
// across REST and push delivery, so the same logical event carries the same
// ID through both paths.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// TokenPair is the result of a successful token renewal or login exchange.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}
