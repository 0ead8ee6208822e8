package chat

import (
	"fmt"
	"strconv"
)

// GroupKey names a delivery group. Room keys and personal keys live in
// disjoint namespaces.
type GroupKey string

func RoomKey(managerID, clientID int) GroupKey {
	return GroupKey(fmt.Sprintf("room:%d:%d", managerID, clientID))
}

func UserKey(userID int) GroupKey {
	return GroupKey("user:" + strconv.Itoa(userID))
}

// Room is the fixed (manager, client) pair a session was authorized for.
type Room struct {
	ManagerID int
	ClientID  int
}

func (r Room) Key() GroupKey {
	return RoomKey(r.ManagerID, r.ClientID)
}

func (r Room) Has(userID int) bool {
	return userID == r.ManagerID || userID == r.ClientID
}

// OtherParty returns the receiver for a message sent by senderID.
func (r Room) OtherParty(senderID int) (int, error) {
	switch senderID {
	case r.ManagerID:
		return r.ClientID, nil
	case r.ClientID:
		return r.ManagerID, nil
	}
	return 0, ErrNotParticipant
}

// GroupsFor returns the two groups a session of userID belongs to: the room
// group and the user's personal group.
func (r Room) GroupsFor(userID int) [2]GroupKey {
	return [2]GroupKey{r.Key(), UserKey(userID)}
}

func (r Room) String() string {
	return string(r.Key())
}
