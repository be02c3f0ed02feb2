package clustering

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// axis returns a unit vector along dim with a small component on dim+1
func axis(dim int, tilt float32) []float32 {
	v := make([]float32, entities.EmbeddingDim)
	v[dim] = 1
	v[dim+1] = tilt
	return v
}

func entry(id string, start int64, vec []float32) entities.EmbeddingEntry {
	return entities.EmbeddingEntry{
		SegmentID:       id,
		Vector:          vec,
		StartMs:         start,
		EndMs:           start + 1000,
		WindowClusterID: "w_" + id,
		StreamRole:      entities.StreamRoleStudents,
	}
}

func TestEmbeddingCache_RejectsWhenFull(t *testing.T) {
	c := NewEmbeddingCache(2 * EntryCost)
	if err := c.Add(entry("a", 0, axis(0, 0))); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := c.Add(entry("b", 1, axis(2, 0))); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := c.Add(entry("c", 2, axis(4, 0))); !errors.Is(err, entities.ErrEmbeddingCacheFull) {
		t.Fatalf("expected cache full, got %v", err)
	}
	if err := c.Add(entry("a", 5, axis(6, 0))); err != nil {
		t.Fatalf("re-adding known id must succeed: %v", err)
	}
	if got, _ := c.Get("a"); got.StartMs != 5 {
		t.Fatalf("correction not applied")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestEmbeddingCache_ValidatesDimension(t *testing.T) {
	c := NewEmbeddingCache(10 * EntryCost)
	err := c.Add(entities.EmbeddingEntry{SegmentID: "x", Vector: []float32{1, 2}})
	if !errors.Is(err, entities.ErrInvalidEmbedding) {
		t.Fatalf("expected invalid embedding, got %v", err)
	}
}

func TestEmbeddingCache_FilterAndOrder(t *testing.T) {
	c := NewEmbeddingCache(10 * EntryCost)
	teacher := entry("t", 500, axis(0, 0))
	teacher.StreamRole = entities.StreamRoleTeacher
	_ = c.Add(entry("s2", 3000, axis(2, 0)))
	_ = c.Add(teacher)
	_ = c.Add(entry("s1", 1000, axis(4, 0)))

	all := c.Entries("")
	if len(all) != 3 || all[0].SegmentID != "t" || all[2].SegmentID != "s2" {
		t.Fatalf("unexpected order %v", ids(all))
	}
	students := c.Entries(entities.StreamRoleStudents)
	if len(students) != 2 || students[0].SegmentID != "s1" {
		t.Fatalf("unexpected filter %v", ids(students))
	}
}

func TestEmbeddingCache_RoundTrip(t *testing.T) {
	c := NewEmbeddingCache(4 * EntryCost)
	v := axis(7, 0.25)
	v[100] = -3.5
	_ = c.Add(entry("a", 10, v))

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored EmbeddingCache
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := restored.Get("a")
	if !ok || got.Vector[100] != -3.5 || got.Vector[8] != 0.25 || got.WindowClusterID != "w_a" {
		t.Fatalf("entry not restored: %+v", got.SegmentID)
	}
	if restored.Budget() != 4*EntryCost {
		t.Fatalf("budget not restored: %d", restored.Budget())
	}
}

func TestCluster_SingleEmbedding(t *testing.T) {
	res := NewGlobalClusterer(0, LinkageAverage, 0).Cluster([]entities.EmbeddingEntry{entry("a", 0, axis(0, 0))})
	if len(res.Speakers) != 1 || res.Confidence != 1.0 || res.Speakers[0].ClusterID != "spk_1" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCluster_GroupsAndOrdersByStart(t *testing.T) {
	input := []entities.EmbeddingEntry{
		entry("b1", 2000, axis(10, 0.1)),
		entry("a1", 1000, axis(0, 0.1)),
		entry("a2", 3000, axis(0, 0.2)),
		entry("b2", 4000, axis(10, 0.2)),
	}
	for _, linkage := range []Linkage{LinkageSingle, LinkageComplete, LinkageAverage} {
		t.Run(string(linkage), func(t *testing.T) {
			g := NewGlobalClusterer(0.3, linkage, 0)
			res := g.Cluster(input)
			if len(res.Speakers) != 2 {
				t.Fatalf("expected 2 speakers, got %d", len(res.Speakers))
			}
			if res.Assignments["a1"] != "spk_1" || res.Assignments["a2"] != "spk_1" {
				t.Fatalf("a-segments should be spk_1: %v", res.Assignments)
			}
			if res.Assignments["b1"] != "spk_2" || res.Assignments["b2"] != "spk_2" {
				t.Fatalf("b-segments should be spk_2: %v", res.Assignments)
			}
			if res.Confidence < 0.9 || res.Confidence > 1.0 {
				t.Fatalf("unexpected confidence %v", res.Confidence)
			}

			reversed := []entities.EmbeddingEntry{input[3], input[2], input[1], input[0]}
			again := g.Cluster(reversed)
			for id, cid := range res.Assignments {
				if again.Assignments[id] != cid {
					t.Fatalf("clustering depends on input order for %s", id)
				}
			}
		})
	}
}

func TestCluster_Centroid(t *testing.T) {
	res := NewGlobalClusterer(0.5, LinkageAverage, 0).Cluster([]entities.EmbeddingEntry{
		entry("a", 0, axis(0, 0.2)),
		entry("b", 1, axis(0, 0.4)),
	})
	if len(res.Speakers) != 1 {
		t.Fatalf("expected one speaker")
	}
	c := res.Speakers[0].Centroid
	if c[0] != 1 || math.Abs(float64(c[1])-0.3) > 1e-6 {
		t.Fatalf("unexpected centroid %v %v", c[0], c[1])
	}
}

func TestMapRoster_Greedy(t *testing.T) {
	g := NewGlobalClusterer(0.3, LinkageAverage, 0.65)
	res := g.Cluster([]entities.EmbeddingEntry{
		entry("a", 0, axis(0, 0)),
		entry("b", 1, axis(10, 0)),
		entry("c", 2, axis(20, 0)),
	})
	enroll := map[string][]float32{
		"Alice": axis(0, 0.1),
		"Bob":   axis(10, 0.5),
		"Carl":  axis(30, 0),
	}
	mapped := g.MapRoster(res.Speakers, enroll)
	if mapped[0].DisplayName != "Alice" || !mapped[0].RosterMatch {
		t.Fatalf("spk_1 should map to Alice: %+v", mapped[0].DisplayName)
	}
	if mapped[1].DisplayName != "Bob" {
		t.Fatalf("spk_2 should map to Bob: %s", mapped[1].DisplayName)
	}
	if mapped[2].DisplayName != "spk_3" || mapped[2].RosterMatch {
		t.Fatalf("spk_3 should stay unmatched: %s", mapped[2].DisplayName)
	}
}

func ids(es []entities.EmbeddingEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = fmt.Sprint(e.SegmentID)
	}
	return out
}
