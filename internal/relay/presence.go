package relay

import "github.com/duskward/seance/internal/config"

// DesiredPresence computes the presence reconciliation table from spec.md
// §4.4.3, a pure function of a system's autoproxy policy, its latch state,
// and the member being evaluated.
func DesiredPresence(policy config.AutoproxyPolicy, latch LatchState, member RuntimeMember) config.Presence {
	switch p := policy.(type) {
	case nil:
		return config.PresenceInvisible

	case config.AutoproxyMember:
		if member.Config.Name == p.Name {
			return config.PresenceOnline
		}
		return config.PresenceInvisible

	case config.AutoproxyLatch:
		if p.Scope == config.LatchServer || !p.PresenceIndicator {
			return config.PresenceInvisible
		}
		if latch.Active && latch.Member == member.ID {
			return config.PresenceOnline
		}
		return config.PresenceInvisible

	default:
		return config.PresenceInvisible
	}
}

// ReconcilePresence computes the desired presence for every member in
// members and returns only those whose desired status differs from their
// last-sent one, keyed by member id.
func ReconcilePresence(policy config.AutoproxyPolicy, latch LatchState, members []RuntimeMember, lastSent map[MemberID]config.Presence) map[MemberID]config.Presence {
	updates := make(map[MemberID]config.Presence)
	for _, m := range members {
		want := DesiredPresence(policy, latch, m)
		if lastSent[m.ID] != want {
			updates[m.ID] = want
		}
	}
	return updates
}
