package session

import "sync"

// IDs are the identifiers that tie consecutive requests to one backend conversation.
type IDs struct {
	ConversationID string
	ParticipantID  string
}

// Store keeps the identifiers of the current conversation for the lifetime of the process. It
// outlives the chat window: closing the window keeps them, only Clear drops them.
type Store struct {
	mu  sync.RWMutex
	ids IDs
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current identifiers, possibly empty.
func (s *Store) Get() IDs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids
}

// Set replaces both identifiers.
func (s *Store) Set(conversationID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = IDs{ConversationID: conversationID, ParticipantID: participantID}
}

// Clear forgets the conversation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = IDs{}
}
