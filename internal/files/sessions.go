package files

import (
	"context"
	"errors"

	"github.com/patrakosh/patrakosh/internal/errs"
	"github.com/patrakosh/patrakosh/internal/model"
)

// Login opens a session for an existing account.
func (s *Service) Login(ctx context.Context, userID int64) (model.Session, error) {
	if _, err := s.accounts.Get(ctx, userID); err != nil {
		if errors.Is(err, errs.ErrAccountNotFound) {
			s.audit.LogAuth(userID, model.ActionLogin, "denied", err.Error())
		}
		return model.Session{}, err
	}
	session := s.sessions.Create(userID)
	s.audit.LogAuth(userID, model.ActionLogin, "allowed", "")
	s.audit.Append(ctx, userID, model.ActionLogin, model.ResourceSession, 0, "")
	return session, nil
}

// Logout ends the session identified by token and reports whether it existed.
func (s *Service) Logout(ctx context.Context, token string) bool {
	session, ok := s.sessions.Get(token)
	if !ok || !s.sessions.Invalidate(token) {
		return false
	}
	s.audit.LogAuth(session.UserID, model.ActionLogout, "allowed", "")
	s.audit.Append(ctx, session.UserID, model.ActionLogout, model.ResourceSession, 0, "")
	return true
}

// Whoami returns the session identified by token.
func (s *Service) Whoami(token string) (model.Session, error) {
	session, ok := s.sessions.Get(token)
	if !ok {
		return model.Session{}, errs.NotFound("session", "token")
	}
	return session, nil
}
