package clustering

import (
	"fmt"
	"math"
	"sort"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// Linkage selects the inter-cluster distance
type Linkage string

const (
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageAverage  Linkage = "average"
)

const (
	DefaultThreshold       = 0.3
	DefaultRosterThreshold = 0.65
)

// Result is the outcome of one global clustering run
type Result struct {
	Speakers   []entities.GlobalSpeaker `json:"speakers"`
	Confidence float64                  `json:"confidence"`
	// Assignments maps segment id to global cluster id
	Assignments map[string]string `json:"assignments"`
}

// WindowMap maps each window cluster id to the global cluster holding most of its segments
func (r *Result) WindowMap() map[string]string {
	out := make(map[string]string)
	for _, sp := range r.Speakers {
		for _, w := range sp.WindowIDs {
			if _, ok := out[w]; !ok {
				out[w] = sp.ClusterID
			}
		}
	}
	return out
}

// GlobalClusterer groups cached embeddings into global speakers
type GlobalClusterer struct {
	threshold       float64
	linkage         Linkage
	rosterThreshold float64
}

// NewGlobalClusterer creates a clusterer. Zero thresholds take the defaults.
func NewGlobalClusterer(threshold float64, linkage Linkage, rosterThreshold float64) *GlobalClusterer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if rosterThreshold <= 0 {
		rosterThreshold = DefaultRosterThreshold
	}
	switch linkage {
	case LinkageSingle, LinkageComplete, LinkageAverage:
	default:
		linkage = LinkageAverage
	}
	return &GlobalClusterer{threshold: threshold, linkage: linkage, rosterThreshold: rosterThreshold}
}

// Cluster runs agglomerative clustering. Entries are ordered by start time
// first so the result does not depend on input order.
func (g *GlobalClusterer) Cluster(entries []entities.EmbeddingEntry) *Result {
	res := &Result{Assignments: map[string]string{}}
	if len(entries) == 0 {
		return res
	}
	es := make([]entities.EmbeddingEntry, len(entries))
	copy(es, entries)
	sortEntries(es)

	n := len(es)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := CosineDistance(es[i].Vector, es[j].Vector)
			dist[i][j], dist[j][i] = d, d
		}
	}

	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}
	for len(groups) > 1 {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				if d := g.linkageDistance(dist, groups[i], groups[j]); d < best {
					bi, bj, best = i, j, d
				}
			}
		}
		if best > g.threshold {
			break
		}
		groups[bi] = append(groups[bi], groups[bj]...)
		groups = append(groups[:bj], groups[bj+1:]...)
	}

	// members are indexes into the time-sorted slice, so the smallest index is the earliest start
	for _, grp := range groups {
		sort.Ints(grp)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })

	var simSum float64
	var simCount int
	for k, grp := range groups {
		id := fmt.Sprintf("spk_%d", k+1)
		sp := entities.GlobalSpeaker{ClusterID: id, DisplayName: id, FirstMs: es[grp[0]].StartMs}
		seenWindow := map[string]bool{}
		vectors := make([][]float32, 0, len(grp))
		for _, idx := range grp {
			e := es[idx]
			sp.SegmentIDs = append(sp.SegmentIDs, e.SegmentID)
			if e.WindowClusterID != "" && !seenWindow[e.WindowClusterID] {
				seenWindow[e.WindowClusterID] = true
				sp.WindowIDs = append(sp.WindowIDs, e.WindowClusterID)
			}
			vectors = append(vectors, e.Vector)
			res.Assignments[e.SegmentID] = id
		}
		sp.Centroid = Centroid(vectors)
		res.Speakers = append(res.Speakers, sp)

		if len(grp) == 1 {
			simSum += 1
			simCount++
			continue
		}
		for a := 0; a < len(grp); a++ {
			for b := a + 1; b < len(grp); b++ {
				simSum += CosineSimilarity(es[grp[a]].Vector, es[grp[b]].Vector)
				simCount++
			}
		}
	}
	res.Confidence = simSum / float64(simCount)
	return res
}

func (g *GlobalClusterer) linkageDistance(dist [][]float64, a, b []int) float64 {
	switch g.linkage {
	case LinkageSingle:
		m := math.Inf(1)
		for _, i := range a {
			for _, j := range b {
				m = math.Min(m, dist[i][j])
			}
		}
		return m
	case LinkageComplete:
		m := 0.0
		for _, i := range a {
			for _, j := range b {
				m = math.Max(m, dist[i][j])
			}
		}
		return m
	default:
		sum := 0.0
		for _, i := range a {
			for _, j := range b {
				sum += dist[i][j]
			}
		}
		return sum / float64(len(a)*len(b))
	}
}

type rosterPair struct {
	speaker int
	name    string
	sim     float64
}

// MapRoster greedily assigns roster names to speakers by descending cosine
// similarity between centroid and enrollment vector. Each speaker and each
// name is used at most once; unmatched speakers keep their spk_N id.
func (g *GlobalClusterer) MapRoster(speakers []entities.GlobalSpeaker, enrollments map[string][]float32) []entities.GlobalSpeaker {
	out := make([]entities.GlobalSpeaker, len(speakers))
	copy(out, speakers)

	var pairs []rosterPair
	for i, sp := range out {
		for name, vec := range enrollments {
			if len(vec) == 0 || len(vec) != len(sp.Centroid) {
				continue
			}
			pairs = append(pairs, rosterPair{speaker: i, name: name, sim: CosineSimilarity(sp.Centroid, vec)})
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].sim != pairs[b].sim {
			return pairs[a].sim > pairs[b].sim
		}
		if pairs[a].speaker != pairs[b].speaker {
			return pairs[a].speaker < pairs[b].speaker
		}
		return pairs[a].name < pairs[b].name
	})

	usedSpeaker := map[int]bool{}
	usedName := map[string]bool{}
	for _, p := range pairs {
		if p.sim < g.rosterThreshold {
			break
		}
		if usedSpeaker[p.speaker] || usedName[p.name] {
			continue
		}
		usedSpeaker[p.speaker] = true
		usedName[p.name] = true
		out[p.speaker].DisplayName = p.name
		out[p.speaker].RosterMatch = true
		out[p.speaker].Similarity = p.sim
	}
	return out
}

// CosineSimilarity returns -1 when either vector has zero norm
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CosineDistance is 1 - cosine similarity, clamped at zero
func CosineDistance(a, b []float32) float64 {
	d := 1 - CosineSimilarity(a, b)
	if d < 0 {
		return 0
	}
	return d
}

// Centroid is the elementwise mean of vectors
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	sum := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i := range sum {
			if i < len(v) {
				sum[i] += float64(v[i])
			}
		}
	}
	out := make([]float32, len(sum))
	for i, s := range sum {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}
