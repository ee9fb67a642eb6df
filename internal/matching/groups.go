package matching

import (
	"sort"

	"vanityhub/ledger/internal/domain"
)

// Group is a connected set of matching events of one composite type.
type Group struct {
	CompositeType domain.CompositeType
	Members       []domain.LedgerEvent
	// Exact is set when at least two members carry the same identityRef. Any
	// other members of an exact group were linked heuristically and already
	// checked for suspicion against the booked ones.
	Exact bool
	// Suspicious is set when the members look like a duplicate write rather
	// than legitimately repeated charges.
	Suspicious bool
}

// Reconcilable reports whether automatic cleanup should act on the group.
// Exact groups always qualify; heuristic-only groups need to look suspicious.
func (g Group) Reconcilable() bool {
	return len(g.Members) > 1 && (g.Exact || g.Suspicious)
}

// Groups partitions the store into multi-member groups. Events of different
// composite types are never grouped together, and neither are events carrying
// different identityRefs.
func (f *Finder) Groups(events []domain.LedgerEvent) []Group {
	byType := map[domain.CompositeType][]domain.LedgerEvent{}
	types := make([]domain.CompositeType, 0, 3)
	for _, e := range events {
		if _, seen := byType[e.CompositeType]; !seen {
			types = append(types, e.CompositeType)
		}
		byType[e.CompositeType] = append(byType[e.CompositeType], e)
	}

	var groups []Group
	for _, ct := range types {
		for _, g := range f.typeGroups(byType[ct]) {
			if len(g.Members) < 2 {
				continue
			}
			g.CompositeType = ct
			sortByCreated(g.Members)
			if !g.Exact {
				g.Suspicious = f.Suspicious(g.Members)
			}
			groups = append(groups, g)
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Members[0].ID < groups[j].Members[0].ID
	})
	return groups
}

// anchor collects the events sharing one identityRef plus the identity-less
// events attached to it.
type anchor struct {
	booked   []domain.LedgerEvent
	attached []domain.LedgerEvent
}

// typeGroups groups events of a single composite type. Booked events group by
// identityRef. An identity-less event joins the one anchor it links to most
// strongly; when two anchors tie it stays loose. Loose events group among
// themselves by any match rule.
func (f *Finder) typeGroups(events []domain.LedgerEvent) []Group {
	anchors := map[string]*anchor{}
	order := make([]string, 0, len(events))
	var unbooked []domain.LedgerEvent
	for _, e := range events {
		key := e.IdentityRef.Key()
		if key == "" {
			unbooked = append(unbooked, e)
			continue
		}
		a, ok := anchors[key]
		if !ok {
			a = &anchor{}
			anchors[key] = a
			order = append(order, key)
		}
		a.booked = append(a.booked, e)
	}

	var loose []domain.LedgerEvent
	for _, e := range unbooked {
		best, bestRank, tied := "", rankNone, false
		for _, key := range order {
			r := rankNone
			for _, b := range anchors[key].booked {
				r = min(r, f.linkRank(e, b))
			}
			switch {
			case r < bestRank:
				best, bestRank, tied = key, r, false
			case r == bestRank && r != rankNone:
				tied = true
			}
		}
		if best == "" || tied {
			loose = append(loose, e)
			continue
		}
		a := anchors[best]
		if len(a.booked) > 1 && !f.suspiciousAgainst(e, a.booked) {
			// A repeat charge next to a settled duplicate pair is not part of it.
			loose = append(loose, e)
			continue
		}
		a.attached = append(a.attached, e)
	}

	out := make([]Group, 0, len(order))
	for _, key := range order {
		a := anchors[key]
		members := append(append([]domain.LedgerEvent(nil), a.booked...), a.attached...)
		out = append(out, Group{Members: members, Exact: len(a.booked) > 1})
	}
	for _, members := range f.components(loose) {
		out = append(out, Group{Members: members})
	}
	return out
}

// suspiciousAgainst reports whether e looks like a duplicate write of any of
// the booked events.
func (f *Finder) suspiciousAgainst(e domain.LedgerEvent, booked []domain.LedgerEvent) bool {
	for _, b := range booked {
		if f.Suspicious([]domain.LedgerEvent{b, e}) {
			return true
		}
	}
	return false
}

// Suspicious reports whether amounts differ, channels differ, or two members
// were created within the race window of each other.
func (f *Finder) Suspicious(members []domain.LedgerEvent) bool {
	if len(members) < 2 {
		return false
	}
	first := members[0]
	for _, m := range members[1:] {
		if !domain.Round2(m.Amount).Equal(domain.Round2(first.Amount)) {
			return true
		}
		if m.OriginationChannel != first.OriginationChannel {
			return true
		}
	}
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			if absDuration(members[i].CreatedAt.Sub(members[j].CreatedAt)) < f.raceWindow {
				return true
			}
		}
	}
	return false
}

func (f *Finder) components(events []domain.LedgerEvent) [][]domain.LedgerEvent {
	parent := make([]int, len(events))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := range events {
		for j := i + 1; j < len(events); j++ {
			if f.linked(events[i], events[j]) {
				ri, rj := find(i), find(j)
				if ri != rj {
					parent[rj] = ri
				}
			}
		}
	}

	buckets := map[int][]domain.LedgerEvent{}
	order := make([]int, 0, len(events))
	for i, e := range events {
		root := find(i)
		if _, ok := buckets[root]; !ok {
			order = append(order, root)
		}
		buckets[root] = append(buckets[root], e)
	}
	out := make([][]domain.LedgerEvent, 0, len(order))
	for _, root := range order {
		out = append(out, buckets[root])
	}
	return out
}

// linked is Match applied in both directions, since fuzzy proximity only
// checks that the candidate side is a service sale.
func (f *Finder) linked(a, b domain.LedgerEvent) bool {
	return f.linkRank(a, b) != rankNone
}

const rankNone = 99

// linkRank orders the strongest rule linking a and b; lower is stronger.
func (f *Finder) linkRank(a, b domain.LedgerEvent) int {
	return min(reasonRank(f.Match(a, TargetFromEvent(b))), reasonRank(f.Match(b, TargetFromEvent(a))))
}

func reasonRank(r Reason) int {
	switch r {
	case ReasonExactIdentity:
		return 0
	case ReasonMetadataIdentity:
		return 1
	case ReasonExternalCode:
		return 2
	case ReasonFuzzy:
		return 3
	}
	return rankNone
}
