// Package auth resolves a connection to an authenticated subject before any
// channel operation runs. Two strategies are tried in order: an opaque
// credential validated through the application's credential validator, then a
// signed session token. The gate never panics or throws outward; every
// failure degrades to an authorization error with a logged reason.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/directory"
)

var (
	errNoCredentials  = errors.New("auth: no credentials presented")
	errUnknownKey     = errors.New("auth: unknown credential")
	errUnknownSubject = errors.New("auth: unknown subject")
)

type Config struct {
	Validator  directory.CredentialValidator
	Identities directory.IdentityDirectory
	Tokens     *TokenCodec
	Logger     channel.Logger
}

type Gate struct {
	validator  directory.CredentialValidator
	identities directory.IdentityDirectory
	tokens     *TokenCodec
	logger     channel.Logger
}

func NewGate(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Gate{
		validator:  cfg.Validator,
		identities: cfg.Identities,
		tokens:     cfg.Tokens,
		logger:     logger,
	}
}

// Func adapts the gate to the channel.AuthFunc contract.
func (g *Gate) Func() channel.AuthFunc {
	return g.Resolve
}

// Resolve produces the subject a connection may act as, or an authorization
// error. Collaborator panics are treated as validation failure.
func (g *Gate) Resolve(ctx context.Context, conn channel.Conn, req channel.Requirement) (subject channel.Subject, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error(ctx, "auth gate panic", "conn", conn.ID(), "panic", r)
			subject = channel.Subject{}
			err = channel.NewAuthError(fmt.Errorf("auth: %v", r))
		}
	}()

	if req == channel.RequireNone {
		return channel.Subject{}, nil
	}

	hs := conn.Handshake()

	if hs.APIKey != "" && g.validator != nil {
		subject, ok := g.resolveCredential(ctx, conn, hs)
		if ok {
			return subject, nil
		}
		// fall through to the token strategy
	}

	if hs.Token == "" {
		return channel.Subject{}, channel.NewAuthError(errNoCredentials)
	}
	if g.tokens == nil {
		return channel.Subject{}, channel.NewAuthError(errNoCredentials)
	}

	claims, err := g.tokens.Verify(hs.Token)
	if err != nil {
		g.logger.Info(ctx, "token rejected", "conn", conn.ID(), "err", err)
		return channel.Subject{}, channel.NewAuthError(err)
	}

	if g.identities != nil {
		identity, err := g.identities.FindSubjectByID(ctx, claims.Subject)
		if err != nil {
			g.logger.Warn(ctx, "identity lookup failed", "conn", conn.ID(), "subject", claims.Subject, "err", err)
			return channel.Subject{}, channel.NewAuthError(err)
		}
		if identity == nil {
			return channel.Subject{}, channel.NewAuthError(errUnknownSubject)
		}
	}

	return channel.Subject{SubjectID: claims.Subject, DeviceID: claims.DeviceID}, nil
}

// resolveCredential validates the opaque key and records its usage. A failed
// validation is recorded and reported false so the token strategy can run.
func (g *Gate) resolveCredential(ctx context.Context, conn channel.Conn, hs channel.Handshake) (channel.Subject, bool) {
	cred, err := g.validator.Validate(ctx, hs.APIKey)
	if err != nil {
		g.logger.Warn(ctx, "credential validation failed", "conn", conn.ID(), "err", err)
		return channel.Subject{}, false
	}
	if cred == nil {
		g.recordUsage(ctx, directory.UsageRecord{
			Endpoint:   hs.ConnType,
			Method:     "ws",
			Success:    false,
			RemoteAddr: hs.RemoteAddr,
			UserAgent:  hs.UserAgent,
		})
		g.logger.Info(ctx, "credential rejected", "conn", conn.ID(), "err", errUnknownKey)
		return channel.Subject{}, false
	}

	g.recordUsage(ctx, directory.UsageRecord{
		CredentialID: cred.CredentialID,
		Endpoint:     hs.ConnType,
		Method:       "ws",
		Success:      true,
		RemoteAddr:   hs.RemoteAddr,
		UserAgent:    hs.UserAgent,
	})
	return channel.Subject{SubjectID: cred.SubjectID, DeviceID: hs.DeviceHint}, true
}

func (g *Gate) recordUsage(ctx context.Context, rec directory.UsageRecord) {
	if err := g.validator.RecordUsage(ctx, rec); err != nil {
		g.logger.Warn(ctx, "credential usage record failed", "credential", rec.CredentialID, "err", err)
	}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
