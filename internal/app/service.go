package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatter/internal/chat"
	"chatter/internal/store"
	"chatter/internal/util"

	"go.uber.org/zap"
)

const maxCodeAttempts = 10

type dataStore interface {
	CreateGroup(context.Context, store.Group, string) error
	GetGroup(context.Context, string) (store.Group, error)
	ListGroupsForUser(context.Context, string) ([]store.Group, error)
	AddMember(context.Context, string, string, string) (bool, error)
	RemoveMember(context.Context, string, string, string) (bool, bool, error)
}

// ReadStatesFunc scopes read-state persistence to one user.
type ReadStatesFunc func(userID string) chat.ReadStateStore

// Announcer tells live feeds that a group's log changed outside the note store's
// own write path, such as a membership system note.
type Announcer interface {
	Announce(ctx context.Context, code string)
}

// forgetter is implemented by read-state stores that keep entries outside the
// database and must drop them when a user leaves.
type forgetter interface {
	Forget(ctx context.Context, code string) error
}

type GroupSummary struct {
	store.Group
	Unread int
	Badge  string
}

type Service struct {
	store      dataStore
	readStates ReadStatesFunc
	announcer  Announcer
	newCode    func() (string, error)
	log        *zap.Logger
}

func New(dataStore dataStore, readStates ReadStatesFunc, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:      dataStore,
		readStates: readStates,
		newCode:    util.NewGroupCode,
		log:        log,
	}
}

func (s *Service) WithAnnouncer(a Announcer) *Service {
	s.announcer = a
	return s
}

// CreateGroup creates a group owned by user. An empty code asks for a generated
// one; generated codes are retried on collision.
func (s *Service) CreateGroup(ctx context.Context, user store.User, name, code string) (store.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Group{}, domainError(CodeValidation, "name is required", "")
	}

	if strings.TrimSpace(code) != "" {
		code = util.NormalizeCode(code)
		if !util.ValidCode(code) {
			return store.Group{}, domainError(CodeValidation, "code must be 6 letters or digits", code)
		}
		if err := s.store.CreateGroup(ctx, store.Group{Code: code, Name: name, CreatorID: user.ID}, user.Name); err != nil {
			if errors.Is(err, store.ErrCodeTaken) {
				return store.Group{}, domainError(CodeTaken, "group code is already in use", code)
			}
			return store.Group{}, fmt.Errorf("create group: %w", err)
		}
	} else {
		created := false
		for attempt := 0; attempt < maxCodeAttempts && !created; attempt++ {
			candidate, err := s.newCode()
			if err != nil {
				return store.Group{}, fmt.Errorf("generate group code: %w", err)
			}
			err = s.store.CreateGroup(ctx, store.Group{Code: candidate, Name: name, CreatorID: user.ID}, user.Name)
			switch {
			case err == nil:
				code, created = candidate, true
			case errors.Is(err, store.ErrCodeTaken):
				s.log.Debug("app: group code collision", zap.String("group", candidate), zap.Int("attempt", attempt+1))
			default:
				return store.Group{}, fmt.Errorf("create group: %w", err)
			}
		}
		if !created {
			return store.Group{}, domainError(CodeTaken, fmt.Sprintf("could not allocate a free group code in %d attempts", maxCodeAttempts), "")
		}
	}

	group, err := s.store.GetGroup(ctx, code)
	if err != nil {
		return store.Group{}, fmt.Errorf("load group: %w", err)
	}
	s.markRead(ctx, user.ID, code, group.NoteCount)
	s.log.Info("app: group created", zap.String("group", code), zap.String("user", user.ID))
	return group, nil
}

// JoinGroup adds user to the group. Notes already in the group do not count as
// unread for the new member.
func (s *Service) JoinGroup(ctx context.Context, user store.User, code string) (store.Group, error) {
	code = util.NormalizeCode(code)
	if !util.ValidCode(code) {
		return store.Group{}, domainError(CodeValidation, "code must be 6 letters or digits", code)
	}

	added, err := s.store.AddMember(ctx, code, user.ID, user.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Group{}, domainError(CodeGroupNotFound, "no group with that code", code)
		}
		return store.Group{}, fmt.Errorf("add member: %w", err)
	}

	group, err := s.store.GetGroup(ctx, code)
	if err != nil {
		return store.Group{}, fmt.Errorf("load group: %w", err)
	}
	s.markRead(ctx, user.ID, code, group.NoteCount)
	if added {
		s.announce(ctx, code)
	}
	return group, nil
}

// LeaveGroup removes user from the group, deleting it when nobody is left.
func (s *Service) LeaveGroup(ctx context.Context, user store.User, code string) error {
	code = util.NormalizeCode(code)
	removed, deleted, err := s.store.RemoveMember(ctx, code, user.ID, user.Name)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if !removed {
		return domainError(CodeNotAMember, "you are not a member of this group", code)
	}

	if f, ok := s.readStates(user.ID).(forgetter); ok {
		if err := f.Forget(ctx, code); err != nil {
			s.log.Warn("app: forget read state failed", zap.String("group", code), zap.Error(err))
		}
	}
	if deleted {
		s.log.Info("app: group deleted", zap.String("group", code))
		return nil
	}
	s.announce(ctx, code)
	return nil
}

func (s *Service) GroupInfo(ctx context.Context, code string) (store.Group, error) {
	code = util.NormalizeCode(code)
	group, err := s.store.GetGroup(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Group{}, domainError(CodeGroupNotFound, "no group with that code", code)
		}
		return store.Group{}, err
	}
	return group, nil
}

// ListGroups returns the user's groups with their unread counts.
func (s *Service) ListGroups(ctx context.Context, user store.User) ([]GroupSummary, error) {
	groups, err := s.store.ListGroupsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	tracker := chat.NewReadTracker(s.readStates(user.ID))

	summaries := make([]GroupSummary, 0, len(groups))
	for _, group := range groups {
		unread, err := tracker.UnreadCount(ctx, group.Code, group.NoteCount)
		if err != nil {
			return nil, fmt.Errorf("unread count for %s: %w", group.Code, err)
		}
		summaries = append(summaries, GroupSummary{Group: group, Unread: unread, Badge: chat.Badge(unread)})
	}
	return summaries, nil
}

func (s *Service) markRead(ctx context.Context, userID, code string, total int) {
	if _, err := chat.NewReadTracker(s.readStates(userID)).RecordSeen(ctx, code, total); err != nil {
		s.log.Warn("app: record read state failed", zap.String("group", code), zap.Error(err))
	}
}

func (s *Service) announce(ctx context.Context, code string) {
	if s.announcer != nil {
		s.announcer.Announce(ctx, code)
	}
}
