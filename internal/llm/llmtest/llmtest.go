// Package llmtest provides an in-memory llm.Session fake for exercising
// tinycrab's session manager, subagent manager, and cron service without a
// real tool-calling subprocess.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tinycrab/tinycrab/internal/llm"
)

// Session is a fake llm.Session that remembers every prompt it has seen and
// echoes deterministic replies, so tests can assert on conversational state
// (e.g. "remembering" a number mentioned in a prior turn).
type Session struct {
	mu          sync.Mutex
	cfg         llm.Config
	prompts     []string
	lastReply   string
	closed      bool
	usagePct    float64
	replyFunc   func(history []string, prompt string) string
}

// New creates a Session. If replyFunc is nil, a default echo-the-last-number
// responder is used, good enough to exercise "remember X" / "what is X"
// round trips in end-to-end tests.
func New(cfg llm.Config, replyFunc func(history []string, prompt string) string) *Session {
	if replyFunc == nil {
		replyFunc = defaultReply
	}
	return &Session{cfg: cfg, replyFunc: replyFunc}
}

// Factory adapts New into an llm.Factory.
func Factory(replyFunc func(history []string, prompt string) string) llm.Factory {
	return func(_ context.Context, cfg llm.Config) (llm.Session, error) {
		return New(cfg, replyFunc), nil
	}
}

func (s *Session) Prompt(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("llmtest: session closed")
	}
	s.lastReply = s.replyFunc(s.prompts, text)
	s.prompts = append(s.prompts, text)
	return nil
}

func (s *Session) LastAssistantText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReply == "" {
		return "", false
	}
	return s.lastReply, true
}

// ContextUsage implements llm.ContextUsageReporter.
func (s *Session) ContextUsage() (llm.ContextUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return llm.ContextUsage{Percent: s.usagePct}, true
}

// SetUsage lets tests simulate an agent approaching its context window.
func (s *Session) SetUsage(pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usagePct = pct
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Prompts returns every prompt submitted so far, for test assertions.
func (s *Session) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// defaultReply implements a minimal "remember a number, recall it later"
// conversational model, enough to drive end-to-end tests without a real
// model in the loop.
func defaultReply(history []string, prompt string) string {
	lower := strings.ToLower(prompt)

	if strings.Contains(lower, "favorite number is") {
		return "Got it, I'll remember that."
	}
	if strings.Contains(lower, "what is my favorite number") {
		for i := len(history) - 1; i >= 0; i-- {
			if n, ok := extractNumber(history[i]); ok {
				return fmt.Sprintf("Your favorite number is %s.", n)
			}
		}
		return "I don't know your favorite number yet."
	}
	if n, ok := evalSimpleAddition(prompt); ok {
		return n
	}
	return "NO_REPLY"
}

func extractNumber(s string) (string, bool) {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		} else if len(digits) > 0 {
			break
		}
	}
	if len(digits) == 0 {
		return "", false
	}
	return string(digits), true
}

// evalSimpleAddition handles prompts like "What is 7+8?" for basic-chat
// end-to-end tests.
func evalSimpleAddition(prompt string) (string, bool) {
	var a, b int
	var found bool
	for i := 0; i < len(prompt); i++ {
		if prompt[i] == '+' {
			left := takeDigitsBackward(prompt[:i])
			right := takeDigitsForward(prompt[i+1:])
			if left != "" && right != "" {
				a = toInt(left)
				b = toInt(right)
				found = true
			}
			break
		}
	}
	if !found {
		return "", false
	}
	return fmt.Sprintf("%d", a+b), true
}

func takeDigitsBackward(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	return s[i:]
}

func takeDigitsForward(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func toInt(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		n = n*10 + int(s[i]-'0')
	}
	return n
}
