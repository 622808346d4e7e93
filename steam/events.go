package steam

// ID is a Steam id for a user or a chat room.
type ID uint64

// EntryKind classifies a chat entry; only KindChatMessage carries user text.
type EntryKind int

const (
	// KindOther covers entries the bridge ignores, such as invites and emotes.
	KindOther EntryKind = iota
	// KindChatMessage is a plain text message.
	KindChatMessage
	// KindTyping is a typing notification with no text.
	KindTyping
)

// ContactState is the relationship a contact event reports.
type ContactState int

const (
	// ContactNone means the relationship was removed.
	ContactNone ContactState = iota
	// ContactPendingInvitee means the other user asked to be our friend.
	ContactPendingInvitee
	// ContactFriend means the friendship is established.
	ContactFriend
	// ContactOther is any state the bridge does not act on.
	ContactOther
)

// Event is anything the Steam session reports to the bridge.
type Event interface{ steamEvent() }

// ConnectedEvent reports the transport is up; logon has not completed yet.
type ConnectedEvent struct{}

// LoggedOnEvent reports a usable session; Self is the bot's own Steam id.
type LoggedOnEvent struct{ Self ID }

// DirectMessageEvent is a one-to-one message to the bot.
type DirectMessageEvent struct {
	From ID
	Text string
	Kind EntryKind
}

// RoomMessageEvent is a message posted in a group chat room.
type RoomMessageEvent struct {
	Room ID
	From ID
	Text string
	Kind EntryKind
}

// RoomInviteEvent is an invitation from Inviter to join Room.
type RoomInviteEvent struct {
	Room    ID
	Inviter ID
}

// ContactRequestEvent reports a change in the bot's relationship with User.
type ContactRequestEvent struct {
	User  ID
	State ContactState
}

// DisconnectedEvent reports the session dropping; Err is nil on clean shutdown.
type DisconnectedEvent struct{ Err error }

func (ConnectedEvent) steamEvent()      {}
func (LoggedOnEvent) steamEvent()       {}
func (DirectMessageEvent) steamEvent()  {}
func (RoomMessageEvent) steamEvent()    {}
func (RoomInviteEvent) steamEvent()     {}
func (ContactRequestEvent) steamEvent() {}
func (DisconnectedEvent) steamEvent()   {}
