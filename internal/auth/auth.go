// Package auth provides the Authenticator capability set the engine
// depends on to sign in, mint id-tokens, and learn about account
// deletion, plus a default JWT-based implementation for embedders that
// have no identity provider of their own.
package auth

import (
	"context"
)

// Authenticator produces a user id and bearer id-token, and notifies the
// engine on token refresh and account deletion. Credential exchange
// itself (talking to whatever identity provider issued the account) is
// out of scope: implementations are handed a CredentialExchange callback
// and only own token lifecycle around it.
type Authenticator interface {
	// SignIn exchanges stored or freshly obtained credentials for a
	// session and returns the account's user id.
	SignIn(ctx context.Context) (userID string, err error)
	// IDToken returns the current signed bearer token.
	IDToken(ctx context.Context) (token string, err error)
	// RefreshNotify delivers a new token each time one is minted —
	// on SignIn and again before every expiry.
	RefreshNotify() <-chan string
	// AccountDeletedNotify closes when the account backing this
	// authenticator has been deleted; a closed channel is delivered
	// exactly once, further sends are undefined.
	AccountDeletedNotify() <-chan struct{}
	// Close stops the refresh timer and releases resources.
	Close()
}

// CredentialExchange performs whatever out-of-scope handshake is needed
// to prove the caller's identity and returns the account's user id (the
// JWT subject). Called once by SignIn and never by the refresh path,
// which re-signs the existing subject.
type CredentialExchange func(ctx context.Context) (userID string, err error)
