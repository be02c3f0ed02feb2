package speaker

import (
	"regexp"
	"sort"
	"strings"
)

const maxNameTokens = 4

// NameCandidate is a self-introduced name found in utterance text
type NameCandidate struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

var namePatterns = []struct {
	re         *regexp.Regexp
	confidence float64
}{
	{regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z\s'\-]{1,80})`), 0.95},
	{regexp.MustCompile(`(?i)\bi\s+am\s+([a-z][a-z\s'\-]{1,80})`), 0.90},
	{regexp.MustCompile(`(?i)\bi'm\s+([a-z][a-z\s'\-]{1,80})`), 0.90},
	{regexp.MustCompile(`(?i)\b(?:please\s+)?call me\s+([a-z][a-z\s'\-]{1,80})`), 0.88},
}

var (
	namePhraseStop = regexp.MustCompile(`[,.;:!?()\[\]\n\r]`)
	nameToken      = regexp.MustCompile(`^[a-z][a-z'\-]{0,29}$`)
)

var blockedNameTokens = map[string]struct{}{}

func init() {
	for _, t := range strings.Fields(`a am an and at be because but by currently doing for from
		going happy here hi hello i im in interested is it my name now of on our please
		really studying that the this to just uh um we with`) {
		blockedNameTokens[t] = struct{}{}
	}
}

// ExtractNames returns name candidates ordered by confidence, highest first
func ExtractNames(text string) []NameCandidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	best := map[string]float64{}
	var order []string
	for _, p := range namePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			name, ok := normalizeName(m[1])
			if !ok {
				continue
			}
			conf, seen := best[name]
			if !seen {
				order = append(order, name)
			}
			if !seen || conf < p.confidence {
				best[name] = p.confidence
			}
		}
	}
	out := make([]NameCandidate, 0, len(order))
	for _, name := range order {
		out = append(out, NameCandidate{Name: name, Confidence: best[name]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func normalizeName(raw string) (string, bool) {
	clipped := namePhraseStop.Split(raw, 2)[0]
	var parts []string
	for _, part := range strings.Fields(clipped) {
		token := strings.ToLower(strings.Trim(part, " '\"-"))
		if token == "" {
			continue
		}
		_, blocked := blockedNameTokens[token]
		if blocked || !nameToken.MatchString(token) {
			if len(parts) > 0 {
				break
			}
			return "", false
		}
		parts = append(parts, token)
		if len(parts) > maxNameTokens {
			return "", false
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	name := strings.Join(parts, " ")
	return name, len(name) >= 2
}

// MatchRoster returns the roster spelling of name, compared case-insensitively
func MatchRoster(name string, roster []string) (string, bool) {
	for _, member := range roster {
		if strings.EqualFold(strings.TrimSpace(member), strings.TrimSpace(name)) {
			return member, true
		}
	}
	return "", false
}
