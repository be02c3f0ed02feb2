package transcript

import (
	"sort"
	"strings"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

const (
	// DefaultDuplicateJaccard is the token-set similarity at which two results are the same speech
	DefaultDuplicateJaccard = 0.9
	// DefaultMinStitchChars is the minimum boundary overlap for stitching, counted
	// in characters over whole matching tokens, so a single "car" or "there" stitches
	// while "a" or "we" does not
	DefaultMinStitchChars = 3
)

// Merger folds raw recognizer output into a deduplicated transcript
type Merger struct {
	duplicateJaccard float64
	minStitchChars   int
}

// NewMerger creates a merger with default thresholds
func NewMerger() *Merger {
	return &Merger{
		duplicateJaccard: DefaultDuplicateJaccard,
		minStitchChars:   DefaultMinStitchChars,
	}
}

// Merge folds the raw utterances of one stream. Input is sorted by
// (start_seq, end_seq) with a stable sort, so equal spans keep caller order.
// Every raw id ends up in exactly one merged record.
func (m *Merger) Merge(raws []entities.RawUtterance) []entities.MergedUtterance {
	items := make([]entities.RawUtterance, len(raws))
	copy(items, raws)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartSeq != items[j].StartSeq {
			return items[i].StartSeq < items[j].StartSeq
		}
		return items[i].EndSeq < items[j].EndSeq
	})

	out := make([]entities.MergedUtterance, 0, len(items))
	for _, cur := range items {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if cur.StartSeq <= prev.EndSeq+1 {
				if m.nearDuplicate(prev.Text, cur.Text) {
					extend(prev, cur)
					if len(strings.TrimSpace(cur.Text)) > len(strings.TrimSpace(prev.Text)) {
						prev.Text = strings.TrimSpace(cur.Text)
					}
					continue
				}
				if suffix, ok := m.stitch(prev.Text, cur.Text); ok {
					extend(prev, cur)
					if suffix != "" {
						prev.Text = prev.Text + " " + suffix
					}
					continue
				}
			}
		}
		out = append(out, entities.MergedUtterance{
			ID:         "mrg_" + cur.ID,
			StreamRole: cur.StreamRole,
			StartSeq:   cur.StartSeq,
			EndSeq:     cur.EndSeq,
			StartMs:    cur.StartMs,
			EndMs:      cur.EndMs,
			Text:       strings.TrimSpace(cur.Text),
			RawIDs:     []string{cur.ID},
			ClusterID:  cur.ClusterID,
		})
	}
	return out
}

// MergeAll merges each stream independently and orders the result by
// start time, breaking ties by stream role order and start seq.
func (m *Merger) MergeAll(raws []entities.RawUtterance) []entities.MergedUtterance {
	byRole := make(map[entities.StreamRole][]entities.RawUtterance)
	for _, r := range raws {
		byRole[r.StreamRole] = append(byRole[r.StreamRole], r)
	}
	var out []entities.MergedUtterance
	for _, role := range entities.StreamRoles {
		out = append(out, m.Merge(byRole[role])...)
	}
	rank := map[entities.StreamRole]int{}
	for i, role := range entities.StreamRoles {
		rank[role] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartMs != out[j].StartMs {
			return out[i].StartMs < out[j].StartMs
		}
		if rank[out[i].StreamRole] != rank[out[j].StreamRole] {
			return rank[out[i].StreamRole] < rank[out[j].StreamRole]
		}
		return out[i].StartSeq < out[j].StartSeq
	})
	return out
}

func (m *Merger) nearDuplicate(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	if na == "" || nb == "" {
		return false
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	return Jaccard(strings.Fields(na), strings.Fields(nb)) >= m.duplicateJaccard
}

// stitch finds the longest run of tokens that ends prev and starts cur. It
// returns cur's original text after the overlap.
func (m *Merger) stitch(prev, cur string) (string, bool) {
	pt := strings.Fields(Normalize(prev))
	ct := strings.Fields(Normalize(cur))
	maxK := len(pt)
	if len(ct) < maxK {
		maxK = len(ct)
	}
	for k := maxK; k > 0; k-- {
		if !equalTokens(pt[len(pt)-k:], ct[:k]) {
			continue
		}
		if overlapChars(ct[:k]) < m.minStitchChars {
			return "", false
		}
		return dropLeadingWords(cur, k), true
	}
	return "", false
}

func extend(prev *entities.MergedUtterance, cur entities.RawUtterance) {
	if cur.EndSeq > prev.EndSeq {
		prev.EndSeq = cur.EndSeq
	}
	if cur.EndMs > prev.EndMs {
		prev.EndMs = cur.EndMs
	}
	if cur.StartMs < prev.StartMs {
		prev.StartMs = cur.StartMs
	}
	if prev.ClusterID == "" {
		prev.ClusterID = cur.ClusterID
	}
	prev.RawIDs = append(prev.RawIDs, cur.ID)
}

func equalTokens(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func overlapChars(tokens []string) int {
	n := 0
	for _, t := range tokens {
		n += len([]rune(t))
	}
	return n
}

// dropLeadingWords removes the first k normalized tokens from the original
// text, skipping words that normalize to nothing (bare punctuation).
func dropLeadingWords(text string, k int) string {
	words := strings.Fields(text)
	i := 0
	for ; i < len(words) && k > 0; i++ {
		k -= len(strings.Fields(Normalize(words[i])))
	}
	return strings.Join(words[i:], " ")
}
