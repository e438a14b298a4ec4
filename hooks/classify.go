package hooks

import (
	"strings"
)

type ConflictMask int

const (
	ConflictContent ConflictMask = 1 << iota
	ConflictStatus
	ConflictMissing

	ConflictNone ConflictMask = 0
)

func (m ConflictMask) String() string {
	if m == ConflictNone {
		return "none"
	}
	var kinds []string
	if m&ConflictContent != 0 {
		kinds = append(kinds, "content")
	}
	if m&ConflictStatus != 0 {
		kinds = append(kinds, "status")
	}
	if m&ConflictMissing != 0 {
		kinds = append(kinds, "missing")
	}
	return strings.Join(kinds, ",")
}

// Classification is the derived cluster-wide view of a hook.
type Classification struct {
	AggregateStatus AggregateStatus `json:"aggregate_status"`
	ContentConflict bool            `json:"content_conflict"`
	StatusConflict  bool            `json:"status_conflict"`
	MissingConflict bool            `json:"missing_conflict"`
	// At least one replica is UNKNOWN. Not a conflict by itself.
	Degraded bool `json:"degraded"`
}

func (c Classification) Mask() (m ConflictMask) {
	if c.ContentConflict {
		m |= ConflictContent
	}
	if c.StatusConflict {
		m |= ConflictStatus
	}
	if c.MissingConflict {
		m |= ConflictMissing
	}
	return m
}

func (c Classification) HasConflict() bool {
	return c.Mask() != ConflictNone
}

// Classify computes the classification of a hook from its replicas and the
// servers expected to carry it.
//
// The result does not depend on the order of replicas or expected.
// If replicas contains more than one entry for a server, the most recently
// updated one is used (ties broken by status and checksum).
func Classify(replicas []Replica, expected []string) Classification {

	latest := make(map[string]Replica, len(replicas))
	for _, r := range replicas {
		prev, ok := latest[r.ServerID]
		if !ok || newerReplica(r, prev) {
			latest[r.ServerID] = r
		}
	}

	var (
		checksums  = make(map[Checksum]bool)
		statuses   = make(map[Status]bool)
		withCopy   int
		missing    int
		degraded   bool
		liveServer = make(map[string]bool, len(latest))
	)
	for server, r := range latest {
		if !r.Status.Live() {
			continue
		}
		liveServer[server] = true
		switch r.Status {
		case StatusEnabled, StatusDisabled:
			withCopy++
			statuses[r.Status] = true
			checksums[r.Checksum] = true
		case StatusMissing:
			missing++
		case StatusUnknown:
			degraded = true
		}
	}

	seenExpected := make(map[string]bool, len(expected))
	for _, server := range expected {
		if seenExpected[server] {
			continue
		}
		seenExpected[server] = true
		if !liveServer[server] {
			missing++
		}
	}

	c := Classification{
		AggregateStatus: AggregateUndefined,
		ContentConflict: len(checksums) > 1,
		StatusConflict:  len(statuses) > 1,
		MissingConflict: missing > 0 && withCopy > 0,
		Degraded:        degraded,
	}
	switch {
	case statuses[StatusEnabled] && statuses[StatusDisabled]:
		c.AggregateStatus = AggregateMixed
	case statuses[StatusEnabled]:
		c.AggregateStatus = AggregateEnabled
	case statuses[StatusDisabled]:
		c.AggregateStatus = AggregateDisabled
	}
	return c
}

func newerReplica(a, b Replica) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.Status != b.Status {
		return a.Status > b.Status
	}
	return a.Checksum > b.Checksum
}
