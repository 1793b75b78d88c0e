// Package moderation screens prompts before any provider spend happens.
package moderation

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Flagged    bool
	Categories []string
	Provider   string
}

// Checker screens text. An error means the check itself could not run; the
// caller decides how to treat that.
type Checker interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

const keywordProviderName = "keyword"

// KeywordChecker flags text containing any configured term. Matching uses
// Unicode case folding, so "STRASSE" matches a "straße" term.
type KeywordChecker struct {
	terms []string
}

func NewKeywordChecker(terms []string) *KeywordChecker {
	cleaned := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = cases.Fold().String(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		cleaned = append(cleaned, term)
	}
	sort.Strings(cleaned)
	return &KeywordChecker{terms: cleaned}
}

func (k *KeywordChecker) Check(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	folded := cases.Fold().String(text)
	v := Verdict{Provider: keywordProviderName}
	for _, term := range k.terms {
		if strings.Contains(folded, term) {
			v.Flagged = true
			v.Categories = append(v.Categories, "blocked_term:"+term)
		}
	}
	return v, nil
}

var _ Checker = (*KeywordChecker)(nil)
