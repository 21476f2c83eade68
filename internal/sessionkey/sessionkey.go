// Package sessionkey canonicalizes (channel, chatId, threadId) triples into
// the stable string keys used to group sessions and bus subscriptions.
package sessionkey

import (
	"errors"
	"strings"
)

// ErrMalformed is returned when a key cannot be parsed into its components.
var ErrMalformed = errors.New("sessionkey: malformed key")

const threadMarker = ":thread:"

// Parts holds the three components that make up a session key.
type Parts struct {
	Channel  string
	ChatID   string
	ThreadID string // empty when the key has no thread component
}

// Build normalizes channel, chatId, and the optional threadId into a stable
// key of the form "<channel>:<chatId>" or "<channel>:<chatId>:thread:<threadId>".
func Build(channel, chatID, threadID string) string {
	channel = normalize(channel)
	chatID = normalize(chatID)
	key := channel + ":" + chatID
	if threadID != "" {
		key += threadMarker + normalize(threadID)
	}
	return key
}

// Parse splits a key back into its components. Malformed or empty-component
// keys return ErrMalformed.
func Parse(key string) (Parts, error) {
	rest := key
	threadID := ""
	if idx := strings.Index(key, threadMarker); idx >= 0 {
		rest = key[:idx]
		threadID = key[idx+len(threadMarker):]
		if threadID == "" {
			return Parts{}, ErrMalformed
		}
	}

	idx := strings.Index(rest, ":")
	if idx < 0 {
		return Parts{}, ErrMalformed
	}
	channel := rest[:idx]
	chatID := rest[idx+1:]
	if channel == "" || chatID == "" {
		return Parts{}, ErrMalformed
	}

	return Parts{Channel: channel, ChatID: chatID, ThreadID: threadID}, nil
}

// ParentOf returns the base key (without the thread component) if key
// carries a thread component, or "", false otherwise.
func ParentOf(key string) (string, bool) {
	idx := strings.Index(key, threadMarker)
	if idx < 0 {
		return "", false
	}
	return key[:idx], true
}

// normalize lowercases id and replaces any character outside [a-z0-9_-]
// with '-'.
func normalize(s string) string {
	s = strings.ToLower(s)
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b[i] = c
		default:
			b[i] = '-'
		}
	}
	return string(b)
}
