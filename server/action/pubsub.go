package action

import (
	"time"

	t "github.com/lattice-db/lattice/server/store/types"
)

// Mailbox operations. Subscriptions and messages are durable: a disconnected
// principal finds its messages on the next poll, and a subscribe observed by
// one connection is visible to every other connection of the same principal.

type subscribeTo struct {
	channel  t.Channel
	username string
}

// SubscribeTo subscribes the named principal to a channel. Requires both the
// channel's read capability and the self capability of the target principal,
// so a caller can only subscribe themselves unless they are an admin.
func SubscribeTo(channel t.Channel, username string) Action {
	return WithAllPermissionsRequired(
		&subscribeTo{channel: channel, username: username},
		channel.RequiredPermission(), t.UserPermission(username))
}

func (a *subscribeTo) Call(s *State) (*Result, error) {
	user, err := s.Conn.UserGet(s.Ctx, a.username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, t.ErrUserNotFound
	}
	sub, err := s.Conn.MailboxSubscribe(s.Ctx, user.ID, a.channel)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "subscribeTo", Data: sub}, nil
}

type unsubscribeFrom struct {
	channel  t.Channel
	username string
}

// UnsubscribeFrom removes the named principal's subscription to a channel.
// Gated on the self capability only: leaving a channel never requires the
// channel capability, so a revoked reader can still clean up.
func UnsubscribeFrom(channel t.Channel, username string) Action {
	return WithPermissionRequired(
		&unsubscribeFrom{channel: channel, username: username},
		t.UserPermission(username))
}

func (a *unsubscribeFrom) Call(s *State) (*Result, error) {
	user, err := s.Conn.UserGet(s.Ctx, a.username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, t.ErrUserNotFound
	}
	sub, err := s.Conn.MailboxUnsubscribe(s.Ctx, user.ID, a.channel)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "unsubscribeFrom", Data: sub}, nil
}

type unsubscribeAll struct{}

// UnsubscribeAll removes every subscription of the calling principal. Also
// invoked by the transport when a streaming session closes.
func UnsubscribeAll() Action {
	return WithLoginRequired(&unsubscribeAll{})
}

func (a *unsubscribeAll) Call(s *State) (*Result, error) {
	if err := s.Conn.MailboxUnsubscribeAll(s.Ctx, s.User.ID); err != nil {
		return nil, err
	}
	return &Result{Action: "unsubscribeAll", Data: map[string]bool{"ok": true}}, nil
}

type getSubscribers struct {
	channel t.Channel
}

// GetSubscribers lists the principals subscribed to a channel. Requires the
// channel's read capability.
func GetSubscribers(channel t.Channel) Action {
	return WithPermissionRequired(
		&getSubscribers{channel: channel},
		channel.RequiredPermission())
}

func (a *getSubscribers) Call(s *State) (*Result, error) {
	users, err := s.Conn.MailboxSubscribers(s.Ctx, a.channel)
	if err != nil {
		return nil, err
	}
	return &Result{Action: "getSubscribers",
		Data: SubscribersResult{Channel: a.channel, Subscribers: users}}, nil
}

type getMessages struct {
	start time.Time
	end   time.Time
}

// GetMessages returns the calling principal's mailbox messages with sentAt
// in the half-open window [start, end), ascending. The window bounds make
// repeated polling lossless and duplicate-free: each poll's end is the next
// poll's start.
func GetMessages(start, end time.Time) Action {
	return WithLoginRequired(&getMessages{start: start, end: end})
}

func (a *getMessages) Call(s *State) (*Result, error) {
	msgs, err := s.Conn.MailboxMessages(s.Ctx, s.User.ID, a.start, a.end)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []t.Message{}
	}
	return &Result{Action: "getMessages", Data: MessagesResult{Messages: msgs}}, nil
}
