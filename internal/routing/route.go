// Package routing defines route identifiers and session keys.
//
// A route names one conversation on the QQ side and is the identity key for
// every piece of per-conversation state. Canonical shapes:
//
//	user:<qq-number>            private chat   (digits, 5–12)
//	group:<group-number>        group chat     (digits, 5–12)
//	guild:<guild>:<channel>     guild channel  (ids [A-Za-z0-9_.-]+)
//
// Examples:
//
//	user:2151539153
//	group:100001
//	guild:82000001:sub-7
//
// Routes are immutable; IsValidRoute is the single gate applied at every
// route-typed boundary. NormalizeTarget folds legacy spellings (bare
// digits, channel:private:<id>, session:qq:user:<id>) into the canonical
// form.
package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the conversation type a route addresses.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
	KindGuild Kind = "guild"
)

var (
	numericIDRe = regexp.MustCompile(`^[0-9]{5,12}$`)
	guildIDRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	nonDirRunes = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// Target is a parsed route.
type Target struct {
	Kind      Kind
	UserID    string // kind user
	GroupID   string // kind group
	GuildID   string // kind guild
	ChannelID string // kind guild
}

// Route renders the target back to its canonical route string.
func (t Target) Route() string {
	switch t.Kind {
	case KindUser:
		return "user:" + t.UserID
	case KindGroup:
		return "group:" + t.GroupID
	case KindGuild:
		return "guild:" + t.GuildID + ":" + t.ChannelID
	default:
		return ""
	}
}

// ParseTarget parses a canonical route string. Legacy forms must go through
// NormalizeTarget first.
func ParseTarget(route string) (Target, error) {
	parts := strings.SplitN(route, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == "user" && numericIDRe.MatchString(parts[1]):
		return Target{Kind: KindUser, UserID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "group" && numericIDRe.MatchString(parts[1]):
		return Target{Kind: KindGroup, GroupID: parts[1]}, nil
	case len(parts) == 3 && parts[0] == "guild" &&
		guildIDRe.MatchString(parts[1]) && guildIDRe.MatchString(parts[2]):
		return Target{Kind: KindGuild, GuildID: parts[1], ChannelID: parts[2]}, nil
	}
	return Target{}, fmt.Errorf("routing: invalid route %q", route)
}

// IsValidRoute reports whether route is a canonical, well-formed route.
func IsValidRoute(route string) bool {
	_, err := ParseTarget(route)
	return err == nil
}

// NormalizeTarget collapses a raw target spelling to the canonical route.
// Accepted inputs beyond canonical routes:
//
//	2151539153                  → user:2151539153  (bare digits)
//	private:<id>                → user:<id>
//	channel:private:<id>        → user:<id>
//	session:qq:user:<id>        → user:<id>
//	qq:group:<id>               → group:<id>
//
// Returns "" when the input cannot be recognized. Normalization is
// idempotent: NormalizeTarget(NormalizeTarget(x)) == NormalizeTarget(x).
func NormalizeTarget(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// Peel transport/session wrappers that legacy configs carried.
	for peeled := true; peeled; {
		peeled = false
		lower := strings.ToLower(s)
		for _, prefix := range []string{"session:", "channel:", "qq:"} {
			if strings.HasPrefix(lower, prefix) {
				s = s[len(prefix):]
				peeled = true
				break
			}
		}
	}

	if numericIDRe.MatchString(s) {
		s = "user:" + s
	}
	if strings.HasPrefix(strings.ToLower(s), "private:") {
		s = "user:" + s[len("private:"):]
	}

	if IsValidRoute(s) {
		return s
	}
	return ""
}

// RouteDir maps a route to its on-disk directory name: ":" becomes "__",
// every other non-identifier rune becomes "_".
//
//	user:2151539153  → user__2151539153
//	guild:82:sub#7   → guild__82__sub_7
func RouteDir(route string) string {
	dir := strings.ReplaceAll(route, ":", "__")
	return nonDirRunes.ReplaceAllString(dir, "_")
}

// LegacyRouteDirs returns older directory spellings still accepted on read.
// Early deployments used the route string directly as the directory name,
// ":" included, which predates the "__" convention.
func LegacyRouteDirs(route string) []string {
	if !IsValidRoute(route) {
		return nil
	}
	return []string{route}
}
