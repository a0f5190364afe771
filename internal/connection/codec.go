package connection

import (
	"execflow/internal/model"
)

// Codec translates between a venue's stream envelope and the model. One
// codec instance serves one account's connection.
type Codec interface {
	// SubscribeMessage builds one control message carrying every
	// subscription in subs. The manager keeps len(subs) within its batch size.
	// A nil message means none of subs needs control traffic.
	SubscribeMessage(subs []model.Subscription, id int64) ([]byte, error)
	UnsubscribeMessage(subs []model.Subscription, id int64) ([]byte, error)
	// PingMessage returns an application-level keepalive, or nil when the
	// venue is kept alive with websocket control pings.
	PingMessage() []byte
	Decode(data []byte) (Frame, error)
}

// Authenticator is implemented by codecs whose private channels require a
// login message right after the socket opens.
type Authenticator interface {
	AuthMessage() ([]byte, error)
}

// Frame is the classified content of one inbound message.
type Frame struct {
	Events []model.Event
	// Pong marks the reply to our own keepalive ping.
	Pong bool
	// Reply must be written back at once, e.g. the answer to a server ping.
	Reply []byte
	Ack   *Ack
}

// Ack is a venue's answer to a control message.
type Ack struct {
	ID      string
	Success bool
	Message string
}
