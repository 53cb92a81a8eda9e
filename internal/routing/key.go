package routing

import "strings"

// Session keys follow the canonical agent format:
//
//	agent:{residentAgentID}:main
//
// Where the resident agent ID is "main" for the configured owner's private
// route and a derived qq-* identity for everything else:
//
//	owner private route     → main
//	user:<id>               → qq-user-<id>
//	group:<id>              → qq-group-<id>
//	guild:<g>:<c>           → qq-guild-<g>-<c>

// ResidentAgentID returns the long-lived agent identity bound to a route.
// ownerUserID may be empty (no owner configured).
func ResidentAgentID(route, ownerUserID string) string {
	if ownerUserID != "" && route == "user:"+ownerUserID {
		return "main"
	}
	t, err := ParseTarget(route)
	if err != nil {
		return ""
	}
	switch t.Kind {
	case KindUser:
		return "qq-user-" + t.UserID
	case KindGroup:
		return "qq-group-" + t.GroupID
	case KindGuild:
		return "qq-guild-" + t.GuildID + "-" + t.ChannelID
	}
	return ""
}

// SessionKey returns the canonical session key for a route.
func SessionKey(route, ownerUserID string) string {
	agentID := ResidentAgentID(route, ownerUserID)
	if agentID == "" {
		return ""
	}
	return "agent:" + agentID + ":main"
}

// LegacySessionKeys returns older key spellings that may hold a session for
// this route, newest first. The store migrates any of these into the
// canonical key on first touch.
func LegacySessionKeys(route, ownerUserID string) []string {
	agentID := ResidentAgentID(route, ownerUserID)
	if agentID == "" {
		return nil
	}
	keys := []string{"qq:" + route}
	if agentID != "main" {
		keys = append(keys, "agent:main:"+agentID)
	}
	return keys
}

// ParseSessionKey splits a canonical session key into its agent ID and
// rest. Returns ("", "") if the key is not in the agent:{id}:{rest} form.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
