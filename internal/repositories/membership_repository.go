package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMembershipNotFound = errors.New("membership not found")

// MembershipRepository reads the authoritative room membership relation.
type MembershipRepository interface {
	FindMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error)
	GetMembership(ctx context.Context, roomID string, userID string) (models.Membership, error)
	UserExists(ctx context.Context, userID string) (bool, error)
}

// MembershipRepo is a sqlx implementation of MembershipRepository.
type MembershipRepo struct {
	db *sqlx.DB
}

// NewMembershipRepo constructs a MembershipRepo.
func NewMembershipRepo(db *sqlx.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

// FindMembershipsForUser returns every membership row of the user, any status.
func (r *MembershipRepo) FindMembershipsForUser(ctx context.Context, userID string) ([]models.Membership, error) {
	memberships := []models.Membership{}
	err := r.db.SelectContext(ctx, &memberships, `SELECT room_id, user_id, status, joined_at FROM room_members WHERE user_id=$1 ORDER BY joined_at ASC, room_id ASC`, userID)
	return memberships, err
}

// GetMembership fetches a single membership.
func (r *MembershipRepo) GetMembership(ctx context.Context, roomID string, userID string) (models.Membership, error) {
	var m models.Membership
	err := r.db.GetContext(ctx, &m, `SELECT room_id, user_id, status, joined_at FROM room_members WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, err
}

// UserExists checks that the subject of a credential is a known user.
func (r *MembershipRepo) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID)
	return exists, err
}
