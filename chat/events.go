package chat

// Event is anything the IRC session reports to the bridge.
type Event interface{ chatEvent() }

// MessageEvent is a line from User, either in Channel or, when Private, sent
// directly to the bot.
type MessageEvent struct {
	Channel string
	User    string
	Text    string
	Private bool
}

// JoinEvent reports User joining Channel.
type JoinEvent struct{ Channel, User string }

// PartEvent reports User leaving Channel.
type PartEvent struct{ Channel, User string }

// ConnectedEvent is emitted each time the session is (re)established.
type ConnectedEvent struct{}

// ErrorEvent reports a transport failure; the client reconnects on its own.
type ErrorEvent struct{ Err error }

func (MessageEvent) chatEvent()   {}
func (JoinEvent) chatEvent()      {}
func (PartEvent) chatEvent()      {}
func (ConnectedEvent) chatEvent() {}
func (ErrorEvent) chatEvent()     {}
