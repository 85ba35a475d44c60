package failure

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reTaxID      = regexp.MustCompile(`\b\d{11,14}\b`)
	reIPPort     = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// sampleBytes bounds the sample message kept per group.
const sampleBytes = 200

// Occurrence is one failed job's stored message.
type Occurrence struct {
	JobID   uuid.UUID
	Message string
	At      time.Time
}

// Group is a set of failures whose messages normalize to the same text.
type Group struct {
	Fingerprint string      `json:"fingerprint"`
	Kind        Kind        `json:"kind"`
	Label       string      `json:"label"`
	Count       int         `json:"count"`
	Sample      string      `json:"sample"`
	JobIDs      []uuid.UUID `json:"job_ids"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// GroupMessages groups occurrences by fingerprint.
// Returns groups sorted by (Count DESC, severity DESC). Never returns nil.
func GroupMessages(occ []Occurrence) []Group {
	groups := make(map[string]*Group)
	for _, o := range occ {
		fp := Fingerprint(o.Message)
		g, ok := groups[fp]
		if !ok {
			kind := ClassifyMessage(o.Message)
			g = &Group{
				Fingerprint: fp,
				Kind:        kind,
				Label:       KindLabel(kind),
				Sample:      Truncate(o.Message, sampleBytes),
				FirstSeenAt: o.At,
				LastSeenAt:  o.At,
			}
			groups[fp] = g
		}
		g.Count++
		g.JobIDs = append(g.JobIDs, o.JobID)
		if o.At.Before(g.FirstSeenAt) {
			g.FirstSeenAt = o.At
		}
		if o.At.After(g.LastSeenAt) {
			g.LastSeenAt = o.At
		}
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if severity(out[i].Kind) != severity(out[j].Kind) {
			return severity(out[i].Kind) > severity(out[j].Kind)
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Fingerprint computes a stable SHA-256 fingerprint for a failure message.
func Fingerprint(message string) string {
	hash := sha256.Sum256([]byte(NormalizeMessage(message)))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage strips the per-job parts of a message (timestamps, ids,
// tax ids, addresses) so the same failure on different companies compares equal.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reIPPort.ReplaceAllString(msg, "ADDR")
	msg = reTaxID.ReplaceAllString(msg, "TAXID")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return Truncate(msg, 500)
}

func severity(k Kind) int {
	switch k {
	case KindCertificateExpired:
		return 5
	case KindUnauthorized:
		return 4
	case KindUpstreamUnavailable:
		return 3
	case KindRateLimited:
		return 2
	case KindTransient:
		return 1
	default:
		return 0
	}
}
