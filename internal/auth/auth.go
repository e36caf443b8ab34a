package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"fasset-qa/pkg/logger"
)

// Permissions understood by the management API.
const (
	PermissionRead     = "decisions:read"
	PermissionEvaluate = "agents:evaluate"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Token is a static API credential.
type Token struct {
	Name        string
	Token       string
	Permissions []string
}

// Subject is the identity resolved from a bearer token.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func newSubject(name string, permissions []string) *Subject {
	s := &Subject{Name: name, Permissions: append([]string(nil), permissions...)}
	s.permissionsSet = make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		s.permissionsSet[strings.TrimSpace(p)] = struct{}{}
	}
	return s
}

// Authorize checks that the subject holds every permission. "*" grants all.
func (s *Subject) Authorize(permissions ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	if _, ok := s.permissionsSet["*"]; ok {
		return nil
	}
	for _, p := range permissions {
		if _, ok := s.permissionsSet[p]; !ok {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, p)
		}
	}
	return nil
}

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service authenticates requests against a fixed set of tokens. A service
// without tokens lets every request through.
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// Option customises the service.
type Option func(*Service)

// WithAuditLogger overrides the access log destination.
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService validates the configured tokens.
func NewService(tokens []Token, opts ...Option) (*Service, error) {
	s := &Service{}
	seen := make(map[string]struct{}, len(tokens))
	for i, t := range tokens {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("token #%d 缺少 name", i)
		}
		if strings.TrimSpace(t.Token) == "" {
			return nil, fmt.Errorf("token %s 的值为空", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("token 名称重复: %s", name)
		}
		seen[name] = struct{}{}
		s.credentials = append(s.credentials, credential{
			digest:  sha256.Sum256([]byte(t.Token)),
			subject: newSubject(name, t.Permissions),
		})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest resolves the subject from an Authorization header.
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, c := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			match = c.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
