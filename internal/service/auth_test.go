package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/limiter"
)

type fakeLimiter struct {
	blocked  bool
	failures int
	blockAt  int
	success  int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (f *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	if f.blocked {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (f *fakeLimiter) Success(context.Context, string, []byte) error {
	f.success++
	return nil
}

func (f *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	f.failures++
	if f.blockAt > 0 && f.failures >= f.blockAt {
		f.blocked = true
		return true, time.Minute, nil
	}
	return false, 0, nil
}

func newAuth(ttl time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	s := NewAuthService([]byte("secret"), ttl, lim)
	s.now = func() time.Time { return now }
	return s
}

func TestAuth_IssueThenAuthenticate(t *testing.T) {
	lim := &fakeLimiter{}
	s := newAuth(time.Hour, lim)

	tok, exp, err := s.Issue("dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("exp: %v", exp)
	}
	if err := s.Authenticate(context.Background(), tok, "dev-1", "10.0.0.1:5000"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if lim.success != 1 {
		t.Fatalf("success not recorded")
	}
}

func TestAuth_SubjectMustMatchDevice(t *testing.T) {
	lim := &fakeLimiter{}
	s := newAuth(0, lim)

	tok, exp, err := s.Issue("dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.IsZero() {
		t.Fatalf("ttl 0 must not set expiry")
	}
	err = s.Authenticate(context.Background(), tok, "dev-2", "10.0.0.1:5000")
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if lim.failures != 1 {
		t.Fatalf("failure not recorded")
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	s := newAuth(time.Minute, nil)
	tok, _, err := s.Issue("dev-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if err := s.Authenticate(context.Background(), tok, "dev-1", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuth_RejectsOtherAlgorithms(t *testing.T) {
	s := newAuth(time.Hour, nil)
	claims := jwt.RegisteredClaims{Subject: "dev-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := s.Authenticate(context.Background(), tok, "dev-1", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuth_RateLimited(t *testing.T) {
	lim := &fakeLimiter{blockAt: 2}
	s := newAuth(time.Hour, lim)
	ctx := context.Background()

	if err := s.Authenticate(ctx, "garbage", "dev-1", "1.2.3.4:1"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("first failure: %v", err)
	}
	if err := s.Authenticate(ctx, "garbage", "dev-1", "1.2.3.4:1"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("threshold: %v", err)
	}

	tok, _, _ := s.Issue("dev-1")
	if err := s.Authenticate(ctx, tok, "dev-1", "1.2.3.4:1"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("blocked device must be rejected even with a valid token: %v", err)
	}
	if !IsAuthError(errs.ErrRateLimited) || IsAuthError(errors.New("db")) {
		t.Fatalf("IsAuthError classification")
	}
}

func TestAuth_IssueRequiresDevice(t *testing.T) {
	if _, _, err := newAuth(time.Hour, nil).Issue(""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}
