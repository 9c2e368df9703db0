package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

// Identity is the resolved caller of one connection. Rooms is the
// membership snapshot taken at handshake.
type Identity struct {
	UserID   string
	Rooms    []string
	LoadedAt time.Time
}

type Authenticator struct {
	verifier         *TokenVerifier
	memberships      repositories.MembershipRepository
	handshakeTimeout time.Duration
}

func NewAuthenticator(verifier *TokenVerifier, memberships repositories.MembershipRepository, handshakeTimeout time.Duration) *Authenticator {
	return &Authenticator{
		verifier:         verifier,
		memberships:      memberships,
		handshakeTimeout: handshakeTimeout,
	}
}

// IsRejection reports whether err is a credential problem rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingToken) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrUnknownSubject)
}

// Authenticate verifies the token and loads the active room snapshot, all
// within the handshake timeout.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if a.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.handshakeTimeout)
		defer cancel()
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	userID := claims.UserID()

	exists, err := a.memberships.UserExists(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	if !exists {
		return Identity{}, ErrUnknownSubject
	}

	rooms, err := a.ActiveRooms(ctx, userID)
	if err != nil {
		return Identity{}, err
	}

	return Identity{UserID: userID, Rooms: rooms, LoadedAt: time.Now()}, nil
}

func (a *Authenticator) ActiveRooms(ctx context.Context, userID string) ([]string, error) {
	memberships, err := a.memberships.FindMembershipsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	return models.ActiveRoomIDs(memberships), nil
}

// CanJoin does a fresh membership lookup for one room.
func (a *Authenticator) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	membership, err := a.memberships.GetMembership(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrMembershipNotFound) {
			return false, nil
		}
		return false, err
	}
	return membership.Status.Authorizes(), nil
}

// ExtractToken reads the credential from the token query parameter, falling
// back to the Authorization header.
func ExtractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return BearerToken(r.Header.Get("Authorization"))
}

func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
