// Package convstore holds per-conversation relay state: the accumulated
// transcript, an optional custom system-prompt override, and the flag marking
// that the next inbound message should be consumed as a new prompt.
//
// State is in-memory only and lives for the process lifetime; durability is an
// explicit non-goal. The store serializes map access with one mutex; ordering
// of events within a conversation is the dispatcher's job, not the store's.
package convstore

import (
	"strings"
	"sync"

	"github.com/profremontpredst/anna-telegram-bot/llm"
)

type Conversation struct {
	History        []llm.Message
	PromptOverride string
	AwaitingPrompt bool
}

type Store struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

func New() *Store {
	return &Store{convs: make(map[string]*Conversation)}
}

func (s *Store) getLocked(key string) *Conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &Conversation{}
		s.convs[key] = c
	}
	return c
}

// Get returns a snapshot of the conversation state, creating default state for
// an unseen key. The returned history slice is a copy; mutating it does not
// affect the store.
func (s *Store) Get(key string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(key)
	return Conversation{
		History:        append([]llm.Message(nil), c.History...),
		PromptOverride: c.PromptOverride,
		AwaitingPrompt: c.AwaitingPrompt,
	}
}

func (s *Store) AppendTurn(key, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(key)
	c.History = append(c.History, llm.Message{Role: role, Content: content})
}

// SetPromptOverride installs a custom system-prompt base for the conversation.
// Whitespace-only text clears the override instead.
func (s *Store) SetPromptOverride(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(key).PromptOverride = strings.TrimSpace(text)
}

func (s *Store) ClearPromptOverride(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(key).PromptOverride = ""
}

func (s *Store) SetAwaitingPrompt(key string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(key).AwaitingPrompt = v
}
