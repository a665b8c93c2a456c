package packet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Height is an IBC revision height.
type Height struct {
	RevisionNumber uint64 `json:"revision_number"`
	RevisionHeight uint64 `json:"revision_height"`
}

func (h Height) IsZero() bool { return h.RevisionNumber == 0 && h.RevisionHeight == 0 }

// GTE reports whether h is at or past o.
func (h Height) GTE(o Height) bool {
	if h.RevisionNumber != o.RevisionNumber {
		return h.RevisionNumber > o.RevisionNumber
	}
	return h.RevisionHeight >= o.RevisionHeight
}

func (h Height) String() string {
	return fmt.Sprintf("%d-%d", h.RevisionNumber, h.RevisionHeight)
}

// ParseHeight parses the "revision-height" form used in event attributes.
func ParseHeight(s string) (Height, error) {
	rev, height, ok := strings.Cut(s, "-")
	if !ok {
		return Height{}, fmt.Errorf("height %q: expected revision-height", s)
	}
	r, err := strconv.ParseUint(rev, 10, 64)
	if err != nil {
		return Height{}, fmt.Errorf("height %q: %w", s, err)
	}
	h, err := strconv.ParseUint(height, 10, 64)
	if err != nil {
		return Height{}, fmt.Errorf("height %q: %w", s, err)
	}
	return Height{RevisionNumber: r, RevisionHeight: h}, nil
}

// RevisionFromChainID extracts the revision number from ids shaped like
// "name-N". Ids without that suffix are revision 0.
func RevisionFromChainID(chainID string) uint64 {
	i := strings.LastIndexByte(chainID, '-')
	if i < 0 || i == len(chainID)-1 {
		return 0
	}
	n, err := strconv.ParseUint(chainID[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ObservedHeight stamps a block height of chainID with its revision.
func ObservedHeight(chainID string, height uint64) Height {
	return Height{RevisionNumber: RevisionFromChainID(chainID), RevisionHeight: height}
}

// Timeout is absolute. A zero field is disabled.
type Timeout struct {
	Height    Height `json:"height"`
	Timestamp uint64 `json:"timestamp"` // unix nanoseconds
}

func (t Timeout) IsZero() bool { return t.Height.IsZero() && t.Timestamp == 0 }

// Elapsed reports whether the timeout has passed at the observed height or time.
func (t Timeout) Elapsed(observed Height, now time.Time) bool {
	if !t.Height.IsZero() && observed.GTE(t.Height) {
		return true
	}
	if t.Timestamp != 0 && now.UnixNano() >= 0 && uint64(now.UnixNano()) >= t.Timestamp {
		return true
	}
	return false
}

// Deadline returns the wall clock deadline, if one is set.
func (t Timeout) Deadline() (time.Time, bool) {
	if t.Timestamp == 0 || t.Timestamp > math.MaxInt64 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(t.Timestamp)), true
}
