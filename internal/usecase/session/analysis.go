package session

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

const (
	interruptWindowMs  = 300
	interruptMinPrevMs = 1200
	quoteLimit         = 160
	lowShareRatio      = 0.05
	lowShareMaxTurns   = 2
)

var (
	supportCues  = []string{"i agree", "based on", "to add", "building on", "good point", "补充", "我同意", "基于", "支持", "延续"}
	summaryCues  = []string{"let me summarize", "in summary", "to summarize", "总结一下", "我们总结", "小结"}
	decisionCues = []string{"we decide", "decision", "next step", "conclusion", "决定", "结论", "下一步"}
)

// speakerKey names the speaker of a merged utterance for stats and events
func speakerKey(mu entities.MergedUtterance, globalByWindow map[string]string) string {
	switch {
	case mu.SpeakerName != "":
		return mu.SpeakerName
	case mu.ClusterID != "" && globalByWindow[mu.ClusterID] != "":
		return globalByWindow[mu.ClusterID]
	case mu.ClusterID != "":
		return mu.ClusterID
	case mu.StreamRole == entities.StreamRoleTeacher:
		return "teacher"
	}
	return "unknown"
}

func sortedByTime(merged []entities.MergedUtterance) []entities.MergedUtterance {
	out := append([]entities.MergedUtterance(nil), merged...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartMs != out[j].StartMs {
			return out[i].StartMs < out[j].StartMs
		}
		return out[i].EndMs < out[j].EndMs
	})
	return out
}

func isInterrupt(prev, cur entities.MergedUtterance, prevKey, curKey string) bool {
	return prevKey != curKey &&
		cur.StartMs <= prev.EndMs+interruptWindowMs &&
		prev.EndMs-prev.StartMs >= interruptMinPrevMs
}

// BuildStats aggregates talk time, turns, silence and interruptions per speaker.
// Consecutive utterances by the same speaker form one turn.
func BuildStats(merged []entities.MergedUtterance, globalByWindow map[string]string) []entities.SpeakerStat {
	items := sortedByTime(merged)
	byKey := map[string]*entities.SpeakerStat{}
	var order []string
	get := func(k string) *entities.SpeakerStat {
		if s, ok := byKey[k]; ok {
			return s
		}
		s := &entities.SpeakerStat{SpeakerKey: k}
		byKey[k] = s
		order = append(order, k)
		return s
	}

	var total int64
	prevKey := ""
	for i, mu := range items {
		key := speakerKey(mu, globalByWindow)
		s := get(key)
		dur := mu.EndMs - mu.StartMs
		if dur < 0 {
			dur = 0
		}
		s.TalkTimeMs += dur
		total += dur

		if i == 0 || key != prevKey {
			s.Turns++
			if i > 0 {
				prev := items[i-1]
				if gap := mu.StartMs - prev.EndMs; gap > 0 {
					s.SilenceMs += gap
				}
				if isInterrupt(prev, mu, prevKey, key) {
					s.InterruptionsMade++
					get(prevKey).InterruptedByOther++
				}
			}
		}
		prevKey = key
	}

	out := make([]entities.SpeakerStat, 0, len(order))
	for _, k := range order {
		s := *byKey[k]
		if total > 0 {
			s.TalkShare = float64(s.TalkTimeMs) / float64(total)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TalkTimeMs > out[j].TalkTimeMs })
	return out
}

// BuildEvidence creates one evidence ref per merged utterance
func BuildEvidence(merged []entities.MergedUtterance, globalByWindow map[string]string) []entities.EvidenceRef {
	items := sortedByTime(merged)
	out := make([]entities.EvidenceRef, 0, len(items))
	for i, mu := range items {
		out = append(out, entities.EvidenceRef{
			ID:           fmt.Sprintf("ev_%04d", i+1),
			StartMs:      mu.StartMs,
			EndMs:        mu.EndMs,
			UtteranceIDs: []string{mu.ID},
			SpeakerKey:   speakerKey(mu, globalByWindow),
			Quote:        quote(mu.Text),
		})
	}
	return out
}

// DetectEvents finds cue-word events, interrupts and low participation
func DetectEvents(merged []entities.MergedUtterance, stats []entities.SpeakerStat, evidence []entities.EvidenceRef, globalByWindow map[string]string) []entities.AnalysisEvent {
	items := sortedByTime(merged)
	refByUtterance := make(map[string]string, len(evidence))
	for _, ev := range evidence {
		for _, id := range ev.UtteranceIDs {
			refByUtterance[id] = ev.ID
		}
	}

	var events []entities.AnalysisEvent
	add := func(t entities.AnalysisEventType, mu entities.MergedUtterance, actor, target string, conf float64) {
		ev := entities.AnalysisEvent{
			Type:       t,
			SpeakerKey: actor,
			TargetKey:  target,
			StartMs:    mu.StartMs,
			EndMs:      mu.EndMs,
			Quote:      quote(mu.Text),
			Confidence: conf,
		}
		if ref, ok := refByUtterance[mu.ID]; ok {
			ev.EvidenceRefs = []string{ref}
		}
		events = append(events, ev)
	}

	for i, mu := range items {
		key := speakerKey(mu, globalByWindow)
		prevKey := ""
		if i > 0 {
			prevKey = speakerKey(items[i-1], globalByWindow)
		}
		if containsAny(mu.Text, supportCues) {
			target := ""
			if i > 0 && prevKey != key {
				target = prevKey
			}
			add(entities.EventSupport, mu, key, target, 0.72)
		}
		if containsAny(mu.Text, summaryCues) {
			add(entities.EventSummary, mu, key, "", 0.78)
		}
		if containsAny(mu.Text, decisionCues) {
			add(entities.EventDecision, mu, key, "", 0.8)
		}
		if i > 0 && isInterrupt(items[i-1], mu, prevKey, key) {
			add(entities.EventInterrupt, mu, key, prevKey, 0.67)
		}
	}

	var total int64
	for _, s := range stats {
		if s.TalkTimeMs > 0 {
			total += s.TalkTimeMs
		}
	}
	if total > 0 {
		for _, s := range stats {
			if float64(s.TalkTimeMs)/float64(total) < lowShareRatio && s.Turns <= lowShareMaxTurns {
				ev := entities.AnalysisEvent{
					Type:       entities.EventLowSilence,
					SpeakerKey: s.SpeakerKey,
					Confidence: 0.75,
				}
				for _, ref := range evidence {
					if ref.SpeakerKey == s.SpeakerKey {
						ev.EvidenceRefs = append(ev.EvidenceRefs, ref.ID)
					}
				}
				events = append(events, ev)
			}
		}
	}
	return events
}

// validateClaims drops refs that do not exist and returns claims left uncited
func validateClaims(report *entities.Report, evidence []entities.EvidenceRef) []entities.Claim {
	if report == nil {
		return nil
	}
	known := make(map[string]struct{}, len(evidence))
	for _, ev := range evidence {
		known[ev.ID] = struct{}{}
	}
	for i := range report.Claims {
		refs := report.Claims[i].EvidenceRefs[:0:0]
		for _, r := range report.Claims[i].EvidenceRefs {
			if _, ok := known[r]; ok {
				refs = append(refs, r)
			}
		}
		report.Claims[i].EvidenceRefs = refs
	}
	return report.UncitedClaims()
}

func containsAny(text string, cues []string) bool {
	lowered := strings.ToLower(text)
	for _, c := range cues {
		if strings.Contains(lowered, c) {
			return true
		}
	}
	return false
}

func quote(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(normalized) <= quoteLimit {
		return normalized
	}
	runes := []rune(normalized)
	return strings.TrimRight(string(runes[:quoteLimit-1]), " ") + "…"
}
