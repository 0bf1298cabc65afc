package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrCodeTaken = errors.New("group code already in use")
	ErrNameTaken = errors.New("user name already in use")
)

// NoteKind distinguishes system, text and image notes.
type NoteKind string

const (
	KindSystem NoteKind = "system"
	KindUser   NoteKind = "user"
	KindImage  NoteKind = "image"
)

func (k NoteKind) Valid() bool {
	switch k {
	case KindSystem, KindUser, KindImage:
		return true
	}
	return false
}

// Note is a single entry in a group's ordered log. Key is assigned by the store
// and sorts in insertion order.
type Note struct {
	Key        Key
	Kind       NoteKind
	Sender     string
	SenderName string
	Text       string
	ImageRef   string
	CreatedAt  time.Time
}

type User struct {
	ID           string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Group is a coded collection of members sharing a note log. Members holds user
// IDs; MemberNames is index-aligned with it.
type Group struct {
	Code        string
	Name        string
	CreatorID   string
	Members     []string
	MemberNames []string
	NoteCount   int
	CreatedAt   time.Time
}

// HasMember reports whether userID belongs to the group.
func (g Group) HasMember(userID string) bool {
	for _, member := range g.Members {
		if member == userID {
			return true
		}
	}
	return false
}
