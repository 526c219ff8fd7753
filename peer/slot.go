package peer

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lobbynet/transport"
)

// Slot holds the message and data role references of one peer. Both roles
// may point at the same connection. Whenever one role is set, the other is
// set too: an emptied role is refilled from the surviving one.
type Slot struct {
	msg  transport.Conn
	data transport.Conn
}

func sameConn(a, b transport.Conn) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

// SetMessage makes conn the message connection. An empty data role is
// filled with the same connection.
func (s *Slot) SetMessage(conn transport.Conn) {
	if conn == nil {
		return
	}
	s.msg = conn
	if s.data == nil {
		s.data = conn
	}
}

// SetData makes conn the data connection. An empty message role is filled
// with the same connection.
func (s *Slot) SetData(conn transport.Conn) {
	if conn == nil {
		return
	}
	s.data = conn
	if s.msg == nil {
		s.msg = conn
	}
}

// Remove drops every role reference to conn and promotes the survivor into
// the emptied role. It reports whether conn was referenced.
func (s *Slot) Remove(conn transport.Conn) bool {
	if conn == nil {
		return false
	}
	found := false
	if sameConn(s.msg, conn) {
		s.msg = nil
		found = true
	}
	if sameConn(s.data, conn) {
		s.data = nil
		found = true
	}
	switch {
	case s.msg != nil && s.data == nil:
		s.data = s.msg
	case s.msg == nil && s.data != nil:
		s.msg = s.data
	}
	return found
}

// Has reports whether conn fills either role.
func (s *Slot) Has(conn transport.Conn) bool {
	if conn == nil {
		return false
	}
	return sameConn(s.msg, conn) || sameConn(s.data, conn)
}

// IsConnected reports whether any role is set.
func (s *Slot) IsConnected() bool {
	return s.msg != nil || s.data != nil
}

// IsRedundant reports whether the roles are served by two distinct connections.
func (s *Slot) IsRedundant() bool {
	return s.msg != nil && s.data != nil && !sameConn(s.msg, s.data)
}

// Message returns the message connection, or nil.
func (s *Slot) Message() transport.Conn { return s.msg }

// Data returns the data connection, or nil.
func (s *Slot) Data() transport.Conn { return s.data }

// Conns returns the distinct connections, message role first.
func (s *Slot) Conns() []transport.Conn {
	var out []transport.Conn
	if s.msg != nil {
		out = append(out, s.msg)
	}
	if s.data != nil && !sameConn(s.msg, s.data) {
		out = append(out, s.data)
	}
	return out
}

// Protocols returns the protocols of the connections in use.
func (s *Slot) Protocols() []transport.Protocol {
	var out []transport.Protocol
	for _, c := range s.Conns() {
		out = append(out, c.Protocol())
	}
	return out
}

// Send writes packet on the message connection.
func (s *Slot) Send(packet *transport.Packet) bool {
	if s.msg == nil {
		return false
	}
	return s.msg.Send(packet) == nil
}

// Close sends a close notice on every open connection, closes it and clears
// both roles.
func (s *Slot) Close(reason string) {
	notice, err := transport.Encode(&transport.CloseNotice{Reason: reason})
	if err != nil {
		notice = nil
	}
	for _, c := range s.Conns() {
		if c.IsOpen() {
			if notice != nil {
				_ = c.Send(notice)
			}
			if err := c.Close(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Slot.Close",
					"conn":     c.ID(),
					"error":    err,
				}).Debug("Closing connection failed")
			}
		}
	}
	s.msg = nil
	s.data = nil
}
