package ports

type ChannelState int

const (
	ChannelNone ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelClosing
	ChannelError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "Connecting"
	case ChannelConnected:
		return "Connected"
	case ChannelClosing:
		return "Closing"
	case ChannelError:
		return "Error"
	default:
		return "None"
	}
}

// Channel is an ordered, reliable byte link to a single peer.
type Channel interface {
	Peer() string
	Send(data []byte) error
	State() ChannelState
	Close() error
}

// ChannelEvents receives channel lifecycle callbacks from a ChannelProvider.
// Callbacks for a single peer are delivered in order.
type ChannelEvents interface {
	OnOpened(ch Channel)
	OnClosed(peer string)
	OnError(peer string, err error)
	OnMessage(peer string, data []byte)
}

type ChannelProvider interface {
	Listen(events ChannelEvents)
	Open(peer string) error
	Close(peer string) error
}

type Identity interface {
	SelfID() string
}

type StaticIdentity string

func (id StaticIdentity) SelfID() string { return string(id) }
