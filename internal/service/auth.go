package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/limiter"
)

// AuthService issues and checks device bearer tokens.
type AuthService interface {
	// Issue signs a token whose subject is deviceID.
	Issue(deviceID string) (token string, expiresAt time.Time, err error)
	// Authenticate checks token for deviceID, rate limited by (device, ip).
	Authenticate(ctx context.Context, token, deviceID, ip string) error
}

type AuthServiceImpl struct {
	signKey []byte
	ttl     time.Duration
	lim     limiter.Limiter
	now     func() time.Time
}

// NewAuthService constructs AuthService. ttl <= 0 issues tokens without expiry; lim may be nil.
func NewAuthService(signKey []byte, ttl time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{signKey: signKey, ttl: ttl, lim: lim, now: time.Now}
}

// Issue creates a signed HS256 JWT for deviceID.
func (s *AuthServiceImpl) Issue(deviceID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Authenticate verifies the signature, expiry and that the subject equals deviceID.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, token, deviceID, ip string) error {
	if deviceID == "" {
		return errs.ErrUnauthorized
	}
	ipHash := limiter.HashIP(ip)
	if s.lim != nil {
		allowed, _, err := s.lim.Allow(ctx, deviceID, ipHash)
		if err != nil {
			return err
		}
		if !allowed {
			return errs.ErrRateLimited
		}
	}

	if err := s.verify(token, deviceID); err != nil {
		if s.lim != nil {
			if blocked, _, ferr := s.lim.Failure(ctx, deviceID, ipHash); ferr == nil && blocked {
				return errs.ErrRateLimited
			}
		}
		return err
	}

	if s.lim != nil {
		// best-effort
		_ = s.lim.Success(ctx, deviceID, ipHash)
	}
	return nil
}

func (s *AuthServiceImpl) verify(token, deviceID string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if claims.Subject != deviceID {
		return fmt.Errorf("%w: token subject does not match device", errs.ErrUnauthorized)
	}
	return nil
}

// IsAuthError reports whether err should be answered with 401 or 429 rather than 500.
func IsAuthError(err error) bool {
	return errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, errs.ErrRateLimited)
}
