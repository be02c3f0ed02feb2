package ingest

import "github.com/johnquangdev/meeting-session/internal/domain/entities"

// SeqVerdict is what the sequencer decided for one chunk
type SeqVerdict struct {
	Duplicate bool
	Gap       int64
}

// CheckSeq classifies seq against the counters without mutating them
func CheckSeq(c entities.IngestCounters, seq int64) SeqVerdict {
	if seq <= c.LastSeq {
		return SeqVerdict{Duplicate: true}
	}
	return SeqVerdict{Gap: seq - c.LastSeq - 1}
}

// ApplySeq commits a verdict. Stored chunks advance last_seq and add the
// gap to missing_count; duplicates only bump duplicate_count.
func ApplySeq(c *entities.IngestCounters, seq int64, v SeqVerdict) {
	if v.Duplicate {
		c.DuplicateCount++
		return
	}
	c.MissingCount += v.Gap
	c.LastSeq = seq
	c.StoredCount++
}

// CompositeCapture is the worse of the two per-role capture states
func CompositeCapture(teacher, students entities.CaptureState) entities.CaptureState {
	if !teacher.IsValid() {
		teacher = entities.CaptureStateIdle
	}
	if !students.IsValid() {
		students = entities.CaptureStateIdle
	}
	if students.Severity() > teacher.Severity() {
		return students
	}
	return teacher
}
