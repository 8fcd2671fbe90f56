package query

import (
	"regexp"
	"strings"

	"github.com/mickamy/sqlcapture/internal/ident"
)

// Command describes the kind and target table of a statement as seen from its text.
type Command struct {
	Kind  string // INSERT, UPDATE, DELETE, SELECT
	Table string // possibly schema-qualified, quoting removed
}

var (
	reInsert = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?(?:insert|replace)\s+(?:ignore\s+)?into\s+([^\s(]+)`)
	reUpdate = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?update\s+([^\s]+(?:\s+(?:as\s+)?[^\s]+)?)\s+set\b`)
	reDelete = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?delete\s+from\s+([^\s]+(?:\s+(?:as\s+)?[^\s]+)?)`)
	reSelect = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?\(?\s*select\b.*?\bfrom\s+([^\s,;()]+)`)
	reBare   = regexp.MustCompile(`(?is)^\s*(?:with\b.*?\)\s*)?\(?\s*select\b`)
)

// Classify recognizes the top-level command of q without building a syntax
// tree. It is cheap enough to run on the caller's goroutine.
func Classify(q string) (Command, bool) {
	qs := strings.TrimSpace(q)
	if m := reInsert.FindStringSubmatch(qs); len(m) == 2 {
		return Command{Kind: "INSERT", Table: table(m[1])}, true
	}
	if m := reUpdate.FindStringSubmatch(qs); len(m) == 2 {
		return Command{Kind: "UPDATE", Table: table(m[1])}, true
	}
	if m := reDelete.FindStringSubmatch(qs); len(m) == 2 {
		return Command{Kind: "DELETE", Table: table(m[1])}, true
	}
	if m := reSelect.FindStringSubmatch(qs); len(m) == 2 {
		return Command{Kind: "SELECT", Table: table(m[1])}, true
	}
	if reBare.MatchString(qs) {
		return Command{Kind: "SELECT"}, true
	}
	return Command{}, false
}

func table(s string) string {
	return ident.Clean(ident.StripAlias(s))
}
