// Package memory persists per-user facts extracted from conversations and
// promotes facts observed across enough distinct users into a collective
// store shared by everyone.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Fact categories. Free-form categories from the extractor are normalized to
// one of these; anything unrecognized becomes CategoryOther.
const (
	CategoryPreference = "preference"
	CategorySituation  = "situation"
	CategoryConstraint = "constraint"
	CategoryGoal       = "goal"
	CategoryOther      = "other"
)

var knownCategories = map[string]struct{}{
	CategoryPreference: {},
	CategorySituation:  {},
	CategoryConstraint: {},
	CategoryGoal:       {},
	CategoryOther:      {},
}

// NormalizeCategory maps extractor output onto the known category set.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if _, ok := knownCategories[c]; ok {
		return c
	}
	return CategoryOther
}

// Fact is one remembered statement about a user.
type Fact struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CollectiveFact is a fact promoted out of individual stores because enough
// distinct users stated it.
type CollectiveFact struct {
	ID         int64     `json:"id"`
	Category   string    `json:"category"`
	Content    string    `json:"content"`
	UserCount  int       `json:"user_count"`
	PromotedAt time.Time `json:"promoted_at"`
}

// factKey is the promotion identity of a fact: category plus normalized
// content. Two users phrasing the same fact with different whitespace or
// casing count as the same fact.
func factKey(category, content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(category + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}
