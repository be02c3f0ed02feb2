package speaker

import "github.com/johnquangdev/meeting-session/internal/domain/entities"

// ClusterForSpan picks the diarization turn with the largest time overlap
// against [startMs, endMs]. Equal overlaps keep the earlier turn in input order.
func ClusterForSpan(turns []entities.DiarizationTurn, startMs, endMs int64) (string, bool) {
	best := int64(0)
	cluster := ""
	for _, t := range turns {
		lo, hi := t.StartMs, t.EndMs
		if startMs > lo {
			lo = startMs
		}
		if endMs < hi {
			hi = endMs
		}
		if ov := hi - lo; ov > best {
			best = ov
			cluster = t.ClusterID
		}
	}
	return cluster, cluster != ""
}
