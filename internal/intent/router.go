// Package intent answers platform-information questions from the rules
// document without calling the generative backend.
package intent

import (
	"fmt"
	"strings"

	"github.com/nextfaang/mentor/internal/rules"
)

// Intent is a named category of platform question and the phrases
// that trigger it.
type Intent struct {
	Key      string   // rules document key holding the canned answer
	Triggers []string // lower-case substrings matched against the query
}

// DefaultIntents is the declared intent order. Earlier entries win
// when trigger sets overlap.
var DefaultIntents = []Intent{
	{Key: "platformname", Triggers: []string{"who are you", "what is your name", "platform name"}},
	{Key: "contact", Triggers: []string{"contact", "email", "reach", "support"}},
	{Key: "builtby", Triggers: []string{"who built", "creator", "founder", "made this"}},
	{Key: "frontend", Triggers: []string{"frontend", "ui built"}},
	{Key: "backend", Triggers: []string{"backend", "server"}},
	{Key: "ai tools", Triggers: []string{"ai tools", "tech used"}},
	{Key: "features", Triggers: []string{"features", "what can you do"}},
	{Key: "roadmap", Triggers: []string{"roadmap", "future", "coming soon"}},
}

// Match is a fast-path answer.
type Match struct {
	Intent string
	Answer string
}

// Router matches queries against an ordered intent table.
type Router struct {
	intents []Intent
}

// NewRouter creates a router over intents. A nil slice uses
// DefaultIntents.
func NewRouter(intents []Intent) *Router {
	if intents == nil {
		intents = DefaultIntents
	}
	return &Router{intents: intents}
}

// Route scans the intents in declared order and returns the first one
// that has a trigger contained in the lower-cased query and a
// non-empty entry in m. An intent that matches but has no entry is
// passed over. ok is false when nothing qualifies.
func (r *Router) Route(query string, m rules.Map) (Match, bool) {
	q := strings.ToLower(query)
	for _, in := range r.intents {
		if !containsAny(q, in.Triggers) {
			continue
		}
		answer := m.Lookup(in.Key)
		if answer == "" {
			continue
		}
		return Match{Intent: in.Key, Answer: Label(in.Key, answer)}, true
	}
	return Match{}, false
}

// Label formats a canned answer with its intent key.
func Label(key, answer string) string {
	return fmt.Sprintf("**%s**: %s", key, answer)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
