// Package auth identifies who is talking to the auction: the operator,
// a bidder or an anonymous spectator.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrEmptyUsername      = errors.New("username is required")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Role is what a session is allowed to do
type Role string

const (
	RoleOperator  Role = "operator"
	RoleBidder    Role = "bidder"
	RoleSpectator Role = "spectator"
)

// Session is an authenticated identity behind a bearer token
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configure how usernames map to roles
type Options struct {
	OperatorName         string
	OperatorPasswordHash string
	BidderPrefix         string
	BidderPasswordHash   string
}

// Service issues and resolves session tokens. Sessions live in memory only.
type Service struct {
	opts     Options
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates an auth service
func NewService(opts Options) *Service {
	return &Service{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// RoleFor returns the role a username logs in as
func (s *Service) RoleFor(username string) Role {
	switch {
	case username == s.opts.OperatorName:
		return RoleOperator
	case s.opts.BidderPrefix != "" && strings.HasPrefix(username, s.opts.BidderPrefix):
		return RoleBidder
	default:
		return RoleSpectator
	}
}

// Login checks credentials and opens a session.
// Spectators need no password.
func (s *Service) Login(username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrEmptyUsername
	}

	role := s.RoleFor(username)
	switch role {
	case RoleOperator:
		if !VerifyPassword(password, s.opts.OperatorPasswordHash) {
			log.WithField("username", username).Warn("Operator login failed")
			return nil, ErrInvalidCredentials
		}
	case RoleBidder:
		if !VerifyPassword(password, s.opts.BidderPasswordHash) {
			log.WithField("username", username).Warn("Bidder login failed")
			return nil, ErrInvalidCredentials
		}
	}

	sess := &Session{
		Token:     uuid.New().String(),
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"username": username,
		"role":     role,
	}).Info("Session opened")
	return sess, nil
}

// Resolve returns the session behind token
func (s *Service) Resolve(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	return sess, ok
}

// Logout drops a session
func (s *Service) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}
