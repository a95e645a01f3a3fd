package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planfirst/mcp-auth/storage"
)

// Login verifies user credentials through the configured UserAuthenticator
// and creates a session on success. The returned session ID goes into the
// session cookie.
func (s *Server) Login(ctx context.Context, username, password, ipAddress string) (*storage.Session, error) {
	userID, err := s.userAuth.Authenticate(ctx, username, password)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", "", ipAddress, "login_failed")
		}
		// Generic error regardless of whether the user exists.
		return nil, fmt.Errorf("%s: invalid credentials", ErrorCodeAccessDenied)
	}

	now := time.Now()
	session := &storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.SessionTTL) * time.Second),
	}
	if err := s.sessionStore.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogLoginSucceeded(userID, ipAddress)
	}
	s.Logger.Info("User logged in", "session_prefix", safeTruncate(session.ID, 8))

	return session, nil
}

// ValidateSession resolves a session cookie value to the logged-in session.
// Expired or unknown sessions return storage.ErrNotFound.
func (s *Server) ValidateSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, storage.ErrNotFound
	}
	return s.sessionStore.GetSession(ctx, sessionID)
}

// Logout removes a session.
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	return s.sessionStore.DeleteSession(ctx, sessionID)
}
