// Package intent routes raw operator input to the pipeline, the read-only
// responder, or the conversational responder.
package intent

import (
	"context"
	"strings"
	"unicode"
)

// Intent is the routing decision for one operator request.
type Intent string

const (
	// IntentChange routes to the full pipeline.
	IntentChange Intent = "change"
	// IntentQuery routes to the read-only responder.
	IntentQuery Intent = "query"
	// IntentConversation routes to the conversational responder.
	IntentConversation Intent = "conversation"
)

var defaultQueryKeywords = []string{
	"status", "show", "list", "describe", "what", "which", "when", "why",
	"how", "who", "where", "deployed", "running", "healthy", "health",
	"current", "version", "usage", "cost",
}

var defaultChangeKeywords = []string{
	"deploy", "create", "delete", "update", "scale", "change", "add",
	"remove", "restart", "rotate", "upgrade", "downgrade", "configure",
	"enable", "disable", "set", "provision", "rollback", "apply",
	"resize", "migrate", "fix", "install",
}

// Fallback is an optional secondary classifier consulted only when no
// keyword matches. It never overrides a keyword decision.
type Fallback func(ctx context.Context, text string) (Intent, error)

// Classifier decides an intent from keyword matching over word tokens.
// Keyword matching is deterministic and runs first; query keywords win over
// change keywords so a question about a deployment is never mistaken for a
// request to deploy.
type Classifier struct {
	query    map[string]struct{}
	change   map[string]struct{}
	fallback Fallback
}

// NewClassifier builds a classifier. Empty keyword slices select the
// built-in sets; fallback may be nil.
func NewClassifier(queryKeywords, changeKeywords []string, fallback Fallback) *Classifier {
	if len(queryKeywords) == 0 {
		queryKeywords = defaultQueryKeywords
	}
	if len(changeKeywords) == 0 {
		changeKeywords = defaultChangeKeywords
	}
	return &Classifier{
		query:    toSet(queryKeywords),
		change:   toSet(changeKeywords),
		fallback: fallback,
	}
}

// Classify maps operator input to an intent. It never fails: input that
// matches nothing and defeats the fallback is conversation.
func (c *Classifier) Classify(ctx context.Context, text string) Intent {
	tokens := tokenize(text)

	for _, token := range tokens {
		if _, ok := c.query[token]; ok {
			return IntentQuery
		}
	}
	for _, token := range tokens {
		if _, ok := c.change[token]; ok {
			return IntentChange
		}
	}

	if c.fallback != nil {
		intent, err := c.fallback(ctx, text)
		if err == nil {
			switch intent {
			case IntentChange, IntentQuery, IntentConversation:
				return intent
			}
		}
	}
	return IntentConversation
}

// tokenize lowercases the input and splits it on every non-alphanumeric
// rune, so "deployed?" and "re-deploy" produce whole-word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[strings.ToLower(strings.TrimSpace(word))] = struct{}{}
	}
	return set
}
