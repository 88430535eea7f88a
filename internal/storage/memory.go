package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type memChat struct {
	Chat
	creds Credentials
	subs  map[string]struct{}
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	chats map[int64]*memChat
	users map[string]TwitterUser
	dedup map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		chats: map[int64]*memChat{},
		users: map[string]TwitterUser{},
		dedup: map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) chatLocked(chatID int64) *memChat {
	c, ok := m.chats[chatID]
	if !ok {
		now := time.Now()
		c = &memChat{Chat: Chat{ID: chatID, CreatedAt: now, UpdatedAt: now}, subs: map[string]struct{}{}}
		m.chats[chatID] = c
	}
	return c
}

func (m *Memory) GetChat(_ context.Context, chatID int64) (Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	out := c.Chat
	out.HasCredentials = !c.creds.Empty()
	return out, nil
}

func (m *Memory) UpsertChat(_ context.Context, chatID int64) error {
	m.mu.Lock()
	m.chatLocked(chatID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetCredentials(_ context.Context, chatID int64, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.chatLocked(chatID)
	c.creds = creds
	c.NeedsReauth = false
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Credentials(_ context.Context, chatID int64) (Credentials, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok || c.creds.Empty() {
		return Credentials{}, false, nil
	}
	return c.creds, true, nil
}

func (m *Memory) Subscribe(_ context.Context, chatID int64, u TwitterUser) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("twitter user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.chatLocked(chatID).subs[u.ID] = struct{}{}
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, chatID int64, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := c.subs[userID]; !ok {
		return ErrNotFound
	}
	delete(c.subs, userID)
	m.pruneUsersLocked()
	return nil
}

func (m *Memory) pruneUsersLocked() {
	used := map[string]struct{}{}
	for _, c := range m.chats {
		for id := range c.subs {
			used[id] = struct{}{}
		}
	}
	for id := range m.users {
		if _, ok := used[id]; !ok {
			delete(m.users, id)
		}
	}
}

func (m *Memory) Subscriptions(_ context.Context, chatID int64) ([]TwitterUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, nil
	}
	out := make([]TwitterUser, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, m.users[id])
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].ScreenName) < strings.ToLower(out[j].ScreenName)
	})
	return out, nil
}

func (m *Memory) FollowedAccountIDs(_ context.Context, chatID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ChatsWithCredentials(_ context.Context) ([]int64, error) {
	return m.filter(func(c *memChat) bool {
		return !c.creds.Empty() && !c.DeleteSoon && !c.NeedsReauth && len(c.subs) > 0
	}), nil
}

func (m *Memory) ChatsPendingDeletion(_ context.Context) ([]int64, error) {
	return m.filter(func(c *memChat) bool { return c.DeleteSoon }), nil
}

func (m *Memory) filter(keep func(c *memChat) bool) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for id, c := range m.chats {
		if keep(c) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Memory) MarkDeleteSoon(_ context.Context, chatID int64) error {
	return m.mark(chatID, func(c *memChat) { c.DeleteSoon = true })
}

func (m *Memory) MarkNeedsReauth(_ context.Context, chatID int64) error {
	return m.mark(chatID, func(c *memChat) { c.NeedsReauth = true })
}

func (m *Memory) mark(chatID int64, fn func(c *memChat)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) PurgeChat(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
	m.pruneUsersLocked()
	return nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	if len(m.dedup)%dedupPruneEvery == 0 {
		now := time.Now()
		for k, u := range m.dedup {
			if u.Before(now) {
				delete(m.dedup, k)
			}
		}
	}
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}
