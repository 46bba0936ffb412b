package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	errNoSigningSecret = errors.New("auth: signing secret must be provided")
	errNotSignedIn     = errors.New("auth: not signed in")
)

// JWTConfig configures a JWTAuthenticator.
type JWTConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	// Clock is injectable for tests; nil defaults to time.Now.
	Clock func() time.Time
}

// JWTAuthenticator is the default Authenticator: it exchanges credentials
// via an injected CredentialExchange, then mints and self-renews an
// HS256 JWT carrying the exchanged user id as its subject.
type JWTAuthenticator struct {
	cfg      JWTConfig
	clock    func() time.Time
	exchange CredentialExchange

	mu      sync.Mutex
	subject string
	token   string
	expires time.Time

	refreshCh chan string
	deletedCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewJWTAuthenticator builds a JWTAuthenticator. exchange is called once,
// by SignIn.
func NewJWTAuthenticator(cfg JWTConfig, exchange CredentialExchange) *JWTAuthenticator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &JWTAuthenticator{
		cfg:       cfg,
		clock:     clock,
		exchange:  exchange,
		refreshCh: make(chan string, 1),
		deletedCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

func (a *JWTAuthenticator) SignIn(ctx context.Context) (string, error) {
	subject, err := a.exchange(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: credential exchange: %w", err)
	}
	if err := a.mint(subject); err != nil {
		return "", err
	}
	go a.refreshLoop()
	return subject, nil
}

func (a *JWTAuthenticator) IDToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		return "", errNotSignedIn
	}
	return a.token, nil
}

func (a *JWTAuthenticator) RefreshNotify() <-chan string          { return a.refreshCh }
func (a *JWTAuthenticator) AccountDeletedNotify() <-chan struct{} { return a.deletedCh }

// NotifyAccountDeleted closes the account-deleted channel, once. It is not
// part of the Authenticator interface and nothing in this module calls
// it; it is exported for a collaborator that learns the account was
// deleted server-side.
func (a *JWTAuthenticator) NotifyAccountDeleted() {
	select {
	case <-a.deletedCh:
	default:
		close(a.deletedCh)
	}
}

func (a *JWTAuthenticator) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *JWTAuthenticator) mint(subject string) error {
	if len(a.cfg.SigningSecret) == 0 {
		return errNoSigningSecret
	}
	now := a.clock().UTC()
	expires := now.Add(a.cfg.TokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.cfg.Issuer,
		Audience:  jwt.ClaimStrings{a.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.SigningSecret)
	if err != nil {
		return fmt.Errorf("auth: sign token: %w", err)
	}

	a.mu.Lock()
	a.subject = subject
	a.token = signed
	a.expires = expires
	a.mu.Unlock()

	select {
	case a.refreshCh <- signed:
	default:
		// Drop rather than block: a slow consumer will pick up the
		// newer token via IDToken on its next use.
		select {
		case <-a.refreshCh:
		default:
		}
		a.refreshCh <- signed
	}
	return nil
}

// refreshLoop re-signs the token shortly before it expires, for as long
// as the authenticator has not been closed.
func (a *JWTAuthenticator) refreshLoop() {
	for {
		a.mu.Lock()
		subject := a.subject
		expires := a.expires
		a.mu.Unlock()

		wait := time.Until(expires) - a.cfg.TokenTTL/10
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if err := a.mint(subject); err != nil {
				timer.Stop()
				return
			}
		case <-a.stopCh:
			timer.Stop()
			return
		}
	}
}
