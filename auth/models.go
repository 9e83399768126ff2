package auth

import "time"

// Role distinguishes the two protocol roles a participant may act in.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
)

// Participant is the domain representation of a registered dataspace
// participant. It mirrors the participants table and carries no JSON
// annotations so it can be reused by different presentation layers.
type Participant struct {
	ClientID   string
	SecretHash string
	Role       Role
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RegisterRequest contains participant registration data supplied by callers.
type RegisterRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Role         Role   `json:"role"`
}

// LoginRequest contains participant login credentials.
type LoginRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}
