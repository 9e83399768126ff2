package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a wrong client id or secret.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals a client secret that doesn't meet requirements.
	ErrWeakSecret = errors.New("auth: client secret must be at least 8 characters")
)

// Service handles participant authentication and token issuance.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and participant returned after a successful
// login.
type LoginResult struct {
	Token       string
	Participant Participant
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new participant account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Participant, error) {
	if len(req.ClientSecret) < 8 {
		return nil, ErrWeakSecret
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("auth: clientId is required")
	}

	role := req.Role
	if role == "" {
		role = RoleConsumer
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(req.ClientSecret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash secret: %w", err)
	}

	participant, err := s.repo.CreateParticipant(ctx, CreateParticipantParams{
		ClientID:   req.ClientID,
		SecretHash: string(secretHash),
		Role:       role,
	})
	if err != nil {
		return nil, err
	}

	return &participant, nil
}

// Login authenticates a participant and returns a control-plane JWT.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	participant, err := s.repo.GetParticipant(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrParticipantNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(participant.SecretHash), []byte(req.ClientSecret)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(participant.ClientID, participant.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:       token,
		Participant: participant,
	}, nil
}

// VerifyToken validates a control-plane JWT and returns the participant's
// client id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, s.keyFunc)
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("auth: invalid token")
	}

	clientID, ok := claims["sub"].(string)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid sub in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return clientID, role, nil
}

// IssueDataToken mints a short-lived data-plane token bound to the agreement
// and transfer process it authorizes.
func (s *Service) IssueDataToken(agreementID, providerPid string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"agreement_id": agreementID,
		"transfer_pid": providerPid,
		"exp":          now.Add(ttl).Unix(),
		"iat":          now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign data token: %w", err)
	}
	return signed, nil
}

// VerifyDataToken validates a data-plane token and returns the agreement id
// it was issued for.
func (s *Service) VerifyDataToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, s.keyFunc)
	if err != nil {
		return "", fmt.Errorf("auth: parse data token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid data token")
	}
	agreementID, ok := claims["agreement_id"].(string)
	if !ok {
		return "", fmt.Errorf("auth: data token carries no agreement id")
	}
	return agreementID, nil
}

func (s *Service) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.jwtSecret, nil
}

// generateToken creates a control-plane JWT for the participant.
func (s *Service) generateToken(clientID string, role Role) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  clientID,
		"role": role,
		"exp":  now.Add(24 * time.Hour).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleConsumer, RoleProvider:
		return true
	default:
		return false
	}
}
