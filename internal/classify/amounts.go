package classify

import (
	"sort"
	"strconv"
	"strings"
)

// Mention is a single monetary amount found in content.
type Mention struct {
	Pattern string
	Text    string
	Value   float64
	Start   int
	End     int
}

var magnitudes = map[string]float64{
	"hundred":  1e2,
	"thousand": 1e3,
	"k":        1e3,
	"million":  1e6,
	"m":        1e6,
	"billion":  1e9,
	"bn":       1e9,
}

// scanAmounts returns every distinct amount in content. Patterns run in table
// order and a number span is counted by the first pattern that claims it.
func (cp *compiledProfile) scanAmounts(content string) []Mention {
	var mentions []Mention
	var claimed [][2]int
	overlaps := func(start, end int) bool {
		for _, span := range claimed {
			if start < span[1] && span[0] < end {
				return true
			}
		}
		return false
	}
	for _, ap := range cp.amounts {
		for _, loc := range ap.re.FindAllStringSubmatchIndex(content, -1) {
			numStart, numEnd := loc[2*ap.numIdx], loc[2*ap.numIdx+1]
			if numStart < 0 || overlaps(numStart, numEnd) {
				continue
			}
			value, err := strconv.ParseFloat(strings.ReplaceAll(content[numStart:numEnd], ",", ""), 64)
			if err != nil {
				continue
			}
			if ap.magIdx >= 0 {
				magStart, magEnd := loc[2*ap.magIdx], loc[2*ap.magIdx+1]
				if magStart >= 0 {
					value *= magnitudes[strings.ToLower(content[magStart:magEnd])]
				}
			}
			claimed = append(claimed, [2]int{numStart, numEnd})
			mentions = append(mentions, Mention{
				Pattern: ap.name,
				Text:    content[loc[0]:loc[1]],
				Value:   value,
				Start:   loc[0],
				End:     loc[1],
			})
		}
	}
	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Start < mentions[j].Start })
	return mentions
}

func totalOf(mentions []Mention) float64 {
	total := 0.0
	for _, m := range mentions {
		total += m.Value
	}
	return total
}
