package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps users, groups, notes and read states in process memory. It
// serves single-process sessions and tests with the same semantics as
// PostgresStore.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	users      map[string]User
	userByName map[string]string
	groups     map[string]*memGroup
	readStates map[string]map[string]int
	now        func() time.Time
}

type memGroup struct {
	group   Group
	members []string
	notes   []Note
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		userByName: make(map[string]string),
		groups:     make(map[string]*memGroup),
		readStates: make(map[string]map[string]int),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.userByName[user.Name]; ok {
		return ErrNameTaken
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	s.userByName[user.Name] = user.ID
	return nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, name string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.userByName[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, group Group, creatorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[group.Code]; ok {
		return ErrCodeTaken
	}
	group.CreatedAt = s.now()
	g := &memGroup{group: group, members: []string{group.CreatorID}}
	s.groups[group.Code] = g
	s.appendLocked(g, Note{Kind: KindSystem, Text: CreatedGroupText(creatorName)})
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, code string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return Group{}, ErrNotFound
	}
	return s.describeLocked(g), nil
}

func (s *MemoryStore) ListGroupsForUser(_ context.Context, userID string) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make([]Group, 0)
	for _, g := range s.groups {
		for _, member := range g.members {
			if member == userID {
				groups = append(groups, s.describeLocked(g))
				break
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].Code < groups[j].Code
		}
		return groups[i].CreatedAt.Before(groups[j].CreatedAt)
	})
	return groups, nil
}

func (s *MemoryStore) describeLocked(g *memGroup) Group {
	group := g.group
	group.Members = append([]string(nil), g.members...)
	group.MemberNames = make([]string, len(g.members))
	for i, id := range g.members {
		group.MemberNames[i] = s.users[id].Name
	}
	group.NoteCount = len(g.notes)
	return group
}

func (s *MemoryStore) AddMember(_ context.Context, code, userID, userName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return false, ErrNotFound
	}
	for _, member := range g.members {
		if member == userID {
			return false, nil
		}
	}
	g.members = append(g.members, userID)
	s.appendLocked(g, Note{Kind: KindSystem, Text: JoinedGroupText(userName)})
	return true, nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, code, userID, userName string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return false, false, nil
	}
	idx := -1
	for i, member := range g.members {
		if member == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false, nil
	}
	g.members = append(g.members[:idx], g.members[idx+1:]...)

	if len(g.members) == 0 {
		delete(s.groups, code)
		for _, states := range s.readStates {
			delete(states, code)
		}
		return true, true, nil
	}
	s.appendLocked(g, Note{Kind: KindSystem, Text: LeftGroupText(userName)})
	return true, false, nil
}

func (s *MemoryStore) appendLocked(g *memGroup, note Note) Note {
	s.seq++
	note.Key = FormatKey(s.seq)
	note.CreatedAt = s.now()
	if note.Sender != "" && note.SenderName == "" {
		note.SenderName = s.users[note.Sender].Name
	}
	g.notes = append(g.notes, note)
	return note
}

func (s *MemoryStore) FetchAll(_ context.Context, code string) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return []Note{}, nil
	}
	return append([]Note{}, g.notes...), nil
}

func (s *MemoryStore) FetchLastN(_ context.Context, code string, n int) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok || n <= 0 {
		return []Note{}, nil
	}
	start := len(g.notes) - n
	if start < 0 {
		start = 0
	}
	return append([]Note{}, g.notes[start:]...), nil
}

func (s *MemoryStore) FetchBefore(_ context.Context, code string, key Key, n int) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok || n <= 0 {
		return []Note{}, nil
	}
	end := sort.Search(len(g.notes), func(i int) bool { return !g.notes[i].Key.Less(key) })
	start := end - n
	if start < 0 {
		start = 0
	}
	return append([]Note{}, g.notes[start:end]...), nil
}

func (s *MemoryStore) Append(_ context.Context, code string, note Note) (Note, error) {
	if !note.Kind.Valid() {
		return Note{}, fmt.Errorf("append note: invalid kind %q", note.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return Note{}, ErrNotFound
	}
	return s.appendLocked(g, note), nil
}

func (s *MemoryStore) DeleteByKey(_ context.Context, code string, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return ErrNotFound
	}
	for i, note := range g.notes {
		if note.Key == key {
			g.notes = append(g.notes[:i], g.notes[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CountNotes(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[code]
	if !ok {
		return 0, nil
	}
	return len(g.notes), nil
}

func (s *MemoryStore) ReadStatesFor(userID string) *MemoryReadStates {
	return &MemoryReadStates{store: s, userID: userID}
}

// MemoryReadStates is the in-process counterpart of PostgresReadStates.
type MemoryReadStates struct {
	store  *MemoryStore
	userID string
}

func (r *MemoryReadStates) GetLastSeen(_ context.Context, code string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.readStates[r.userID][code], nil
}

func (r *MemoryReadStates) SetLastSeen(_ context.Context, code string, count int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, ok := r.store.groups[code]; !ok {
		return ErrNotFound
	}
	states := r.store.readStates[r.userID]
	if states == nil {
		states = make(map[string]int)
		r.store.readStates[r.userID] = states
	}
	if count > states[code] {
		states[code] = count
	}
	return nil
}
