package models

import "time"

// MembershipStatus is the state of a user in a room.
type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipInvited MembershipStatus = "invited"
	MembershipBanned  MembershipStatus = "banned"
	MembershipOwner   MembershipStatus = "owner"
)

// Authorizes reports whether the status grants read and write access to the room.
func (s MembershipStatus) Authorizes() bool {
	return s == MembershipActive || s == MembershipOwner
}

// Membership links a user to a room.
type Membership struct {
	RoomID   string           `db:"room_id" json:"roomId"`
	UserID   string           `db:"user_id" json:"userId"`
	Status   MembershipStatus `db:"status" json:"status"`
	JoinedAt time.Time        `db:"joined_at" json:"joinedAt"`
}

// ActiveRoomIDs returns the rooms the given memberships authorize, in order.
func ActiveRoomIDs(memberships []Membership) []string {
	rooms := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if m.Status.Authorizes() {
			rooms = append(rooms, m.RoomID)
		}
	}
	return rooms
}
