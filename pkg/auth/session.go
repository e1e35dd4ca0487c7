package auth

import (
	"context"
	"time"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/observability"
	"github.com/canopyworks/canopy/pkg/users"
)

// LoginLimiter throttles credential attempts per ip and username before
// any password work happens.
type LoginLimiter interface {
	IsBlocked(ip, username string) (bool, time.Duration)
	AddFailure(ip, username string)
	Clear(ip, username string)
}

// AuditEmitter records security events. Emission failures never bubble
// up into the auth flow.
type AuditEmitter interface {
	Emit(ctx context.Context, entry audit.Entry) error
}

// RequestInfo carries the client attribution attached to audit events.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// Service implements the session lifecycle over the user store.
type Service struct {
	users   *users.Store
	hasher  *PasswordHasher
	tokens  *TokenManager
	replays *ReplayRegistry
	limiter LoginLimiter
	audits  AuditEmitter
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewService wires the session service. limiter, audits and metrics may
// be nil in tests.
func NewService(
	userStore *users.Store,
	hasher *PasswordHasher,
	tokens *TokenManager,
	replays *ReplayRegistry,
	limiter LoginLimiter,
	audits AuditEmitter,
	log *observability.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		users:   userStore,
		hasher:  hasher,
		tokens:  tokens,
		replays: replays,
		limiter: limiter,
		audits:  audits,
		log:     log,
		metrics: metrics,
	}
}

// Login verifies credentials and mints a token pair.
//
// The rate limit gate runs before any credential work so a blocked
// client learns nothing about account validity. Missing accounts,
// inactive accounts and wrong passwords all collapse into the same
// INVALID_CREDENTIALS answer.
func (s *Service) Login(ctx context.Context, username, password string, req RequestInfo) (*TokenPair, *users.User, error) {
	if s.limiter != nil {
		if blocked, retryAfter := s.limiter.IsBlocked(req.IP, username); blocked {
			s.countLogin("rate_limited")
			s.emit(ctx, audit.Entry{
				ActorIP:   req.IP,
				UserAgent: req.UserAgent,
				Action:    "auth.login_rate_limited",
				Metadata:  map[string]interface{}{"username": username},
				Severity:  audit.SeverityWarning,
			})
			return nil, nil, apierror.RateLimited("Too many login attempts. Try again later.").
				WithDetails(map[string]interface{}{"retry_after_seconds": int(retryAfter.Seconds())})
		}
	}

	user, err := s.users.ByUsername(ctx, username)
	if err != nil {
		return nil, nil, err
	}

	if user == nil || !user.IsActive || !s.hasher.Verify(password, user.PasswordHash) {
		if s.limiter != nil {
			s.limiter.AddFailure(req.IP, username)
		}
		s.countLogin("failure")
		s.emit(ctx, audit.Entry{
			ActorIP:   req.IP,
			UserAgent: req.UserAgent,
			Action:    "auth.login_failed",
			Metadata:  map[string]interface{}{"username": username},
			Severity:  audit.SeverityWarning,
		})
		return nil, nil, apierror.Unauthenticated("INVALID_CREDENTIALS", "Invalid username or password.")
	}

	if s.limiter != nil {
		s.limiter.Clear(req.IP, username)
	}

	pair, _, err := s.tokens.Issue(subjectFor(user))
	if err != nil {
		return nil, nil, err
	}

	s.countLogin("success")
	s.emit(ctx, audit.Entry{
		ActorUserID: &user.ID,
		ActorIP:     req.IP,
		UserAgent:   req.UserAgent,
		Action:      "auth.login",
		Success:     true,
	})
	return pair, user, nil
}

// Refresh rotates a refresh token: the presented token is spent and a
// full new pair is issued. Presenting an already-spent token is treated
// as theft and refused with TOKEN_REUSED.
//
// Roles and permissions are re-resolved from the database at rotation
// time, so role changes propagate within one access token lifetime.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, req RequestInfo) (*TokenPair, *users.User, error) {
	claims, err := s.tokens.Parse(rawRefresh, KindRefresh)
	if err != nil {
		s.countRefresh("invalid")
		return nil, nil, err
	}

	userID, err := claims.UserID()
	if err != nil {
		s.countRefresh("invalid")
		return nil, nil, apierror.Unauthenticated("INVALID_TOKEN", "Token is invalid or expired.")
	}

	if !s.replays.MarkUsed(claims.ID, claims.ExpiresAt.Time) {
		s.countRefresh("reused")
		s.emit(ctx, audit.Entry{
			ActorUserID: &userID,
			ActorIP:     req.IP,
			UserAgent:   req.UserAgent,
			Action:      "auth.token_reused",
			Metadata:    map[string]interface{}{"jti": claims.ID},
			Severity:    audit.SeverityCritical,
		})
		return nil, nil, apierror.Unauthenticated("TOKEN_REUSED", "Refresh token has already been used.")
	}

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !user.IsActive {
		s.countRefresh("inactive")
		return nil, nil, apierror.Unauthenticated("UNAUTHENTICATED", "Account is unknown or disabled.")
	}

	pair, _, err := s.tokens.Issue(subjectFor(user))
	if err != nil {
		return nil, nil, err
	}

	s.countRefresh("success")
	s.emit(ctx, audit.Entry{
		ActorUserID: &user.ID,
		ActorIP:     req.IP,
		UserAgent:   req.UserAgent,
		Action:      "auth.refresh",
		Success:     true,
	})
	return pair, user, nil
}

// Logout spends the session's refresh token so it cannot rotate again.
// An already-invalid token is not an error: logout is idempotent.
func (s *Service) Logout(ctx context.Context, rawRefresh string, req RequestInfo) error {
	claims, err := s.tokens.Parse(rawRefresh, KindRefresh)
	if err != nil {
		return nil
	}
	s.replays.MarkUsed(claims.ID, claims.ExpiresAt.Time)

	userID, err := claims.UserID()
	if err == nil {
		s.emit(ctx, audit.Entry{
			ActorUserID: &userID,
			ActorIP:     req.IP,
			UserAgent:   req.UserAgent,
			Action:      "auth.logout",
			Success:     true,
		})
	}
	return nil
}

// Authenticate validates an access token and loads its user. Used by the
// request middleware.
func (s *Service) Authenticate(ctx context.Context, rawAccess string) (*users.User, *Claims, error) {
	claims, err := s.tokens.Parse(rawAccess, KindAccess)
	if err != nil {
		return nil, nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, nil, apierror.Unauthenticated("INVALID_TOKEN", "Token is invalid or expired.")
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !user.IsActive {
		return nil, nil, apierror.Unauthenticated("UNAUTHENTICATED", "Account is unknown or disabled.")
	}
	return user, claims, nil
}

func subjectFor(user *users.User) TokenSubject {
	return TokenSubject{
		UserID:      user.ID,
		Username:    user.Username,
		Roles:       user.RoleNames(),
		Permissions: user.PermissionCodes(),
	}
}

func (s *Service) emit(ctx context.Context, entry audit.Entry) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Emit(ctx, entry); err != nil && s.log != nil {
		s.log.WithError(err).Error("audit emission failed")
	}
}

func (s *Service) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countRefresh(outcome string) {
	if s.metrics != nil {
		s.metrics.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
	}
}
