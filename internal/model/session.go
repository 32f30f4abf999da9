package model

import (
	"strings"
	"time"
)

// ChatSession is one pairing between two users. At most one active session
// exists per user.
type ChatSession struct {
	ID        string
	UserA     int64
	UserB     int64
	StartedAt time.Time
	EndedAt   *time.Time
	Active    bool
}

// Partner returns the other participant, or 0 if id is not part of the session.
func (s *ChatSession) Partner(id int64) int64 {
	switch id {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return 0
}

// RequiredGroup is a channel or group every user must join before chatting.
type RequiredGroup struct {
	GroupID int64
	Link    string
	AddedBy int64
	AddedAt time.Time
}

// JoinLink turns a stored link or bare @handle into a clickable URL.
func (g RequiredGroup) JoinLink() string {
	link := strings.TrimSpace(g.Link)
	switch {
	case link == "":
		return ""
	case strings.HasPrefix(link, "https://"), strings.HasPrefix(link, "http://"):
		return link
	case strings.HasPrefix(link, "t.me/"):
		return "https://" + link
	}
	return "https://t.me/" + strings.TrimPrefix(link, "@")
}

// Admin is a user allowed to run moderation commands.
type Admin struct {
	UserID     int64
	PromotedBy int64
	PromotedAt time.Time
}

// MessageLog is the persisted moderation copy of a relayed message.
type MessageLog struct {
	SenderID   int64
	ReceiverID int64
	Kind       string
	Content    string
	SentAt     time.Time
}

// Stats is the admin dashboard snapshot.
type Stats struct {
	TotalUsers    int64
	ActiveChats   int64
	Seeking       int64
	TotalMessages int64
	VipUsers      int64
}
