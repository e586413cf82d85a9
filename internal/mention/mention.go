// Package mention finds @name tokens in annotation text and defines how they
// resolve to identities.
package mention

import (
	"context"
	"regexp"
	"strings"
)

// MaxCandidates caps how many identities one token may resolve to.
const MaxCandidates = 5

// A mention starts at the beginning of the text or after a character that
// cannot be part of a name, so "ana@bank.com" is not a mention of "bank".
var mentionPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_@])@([\p{L}\p{N}_]+)`)

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
}

// Resolver looks identities up by display name prefix, case-insensitively.
// Implementations return at most MaxCandidates matches.
type Resolver interface {
	ResolveByNamePrefix(ctx context.Context, prefix string) ([]Identity, error)
}

// Extract returns the distinct mentioned names in order of first appearance.
// Duplicates are detected case-insensitively; the first spelling wins.
func Extract(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		name := match[1]
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Unique drops repeated identities by ID and the identity excludeID, keeping
// the first occurrence of each.
func Unique(identities []Identity, excludeID string) []Identity {
	seen := make(map[string]struct{}, len(identities))
	out := make([]Identity, 0, len(identities))
	for _, identity := range identities {
		if identity.ID == "" || identity.ID == excludeID {
			continue
		}
		if _, ok := seen[identity.ID]; ok {
			continue
		}
		seen[identity.ID] = struct{}{}
		out = append(out, identity)
	}
	return out
}
