package aggregate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// detectConflicts runs before every synthesis. Pairwise, two results
// disagree when exactly one carries an error or their successful payloads
// are not structurally equal. One approach_difference conflict covers all
// agents when more than one distinct approach/method tag appears.
func detectConflicts(results []AgentResult) []Conflict {
	var conflicts []Conflict

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			a, b := results[i], results[j]
			aFailed, bFailed := a.Error != "", b.Error != ""

			switch {
			case aFailed != bFailed:
				failed := a.AgentID
				if bFailed {
					failed = b.AgentID
				}
				conflicts = append(conflicts, Conflict{
					Type:        ResultDisagreement,
					Agents:      []string{a.AgentID, b.AgentID},
					Description: fmt.Sprintf("agent %s failed while the other succeeded", failed),
				})
			case !aFailed && !bFailed && !structurallyEqual(a.Result, b.Result):
				conflicts = append(conflicts, Conflict{
					Type:        ResultDisagreement,
					Agents:      []string{a.AgentID, b.AgentID},
					Description: fmt.Sprintf("agents %s and %s produced different results", a.AgentID, b.AgentID),
				})
			}
		}
	}

	approaches := make(map[string]bool)
	var agents []string
	for _, r := range results {
		agents = append(agents, r.AgentID)
		if tag := approachTag(r.Result); tag != "" {
			approaches[tag] = true
		}
	}
	if len(approaches) > 1 {
		names := make([]string, 0, len(approaches))
		for a := range approaches {
			names = append(names, a)
		}
		sort.Strings(names)
		conflicts = append(conflicts, Conflict{
			Type:        ApproachDifference,
			Agents:      agents,
			Description: "multiple approaches used: " + strings.Join(names, ", "),
		})
	}

	return conflicts
}

func synthesize(req *Request, conflicts []Conflict) Synthesis {
	switch req.Method {
	case Consensus:
		return consensusSynthesis(req.Results, conflicts)
	case SpecialistPriority:
		return specialistSynthesis(req.Results, req.Specialists, conflicts)
	case ConfidenceWeighted:
		return weightedSynthesis(req.Results, req.Weights, conflicts)
	default:
		return manualSynthesis(conflicts)
	}
}

// consensusSynthesis picks the most frequent successful payload by
// structural-equality class. Confidence is the mean over all results
// minus 0.1 per conflict, floored at zero.
func consensusSynthesis(results []AgentResult, conflicts []Conflict) Synthesis {
	type class struct {
		payload json.RawMessage
		count   int
		first   int
	}
	var classes []*class

	for i, r := range results {
		if r.Error != "" {
			continue
		}
		matched := false
		for _, c := range classes {
			if structurallyEqual(c.payload, r.Result) {
				c.count++
				matched = true
				break
			}
		}
		if !matched {
			classes = append(classes, &class{payload: r.Result, count: 1, first: i})
		}
	}

	s := Synthesis{Method: Consensus}
	var best *class
	for _, c := range classes {
		if best == nil || c.count > best.count || (c.count == best.count && c.first < best.first) {
			best = c
		}
	}
	if best != nil {
		s.UnifiedResult = best.payload
	}

	mean := meanConfidence(results)
	s.Confidence = mean - 0.1*float64(len(conflicts))
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	s.Conflicts = conflicts

	if mean < 0.7 {
		s.Recommendations = append(s.Recommendations,
			fmt.Sprintf("mean confidence %.2f is low, consider gathering more results", mean))
	}
	for _, r := range results {
		if r.Error != "" {
			s.Recommendations = append(s.Recommendations,
				fmt.Sprintf("agent %s failed: %s", r.AgentID, r.Error))
		}
	}
	return s
}

// specialistSynthesis prefers the highest-confidence result from the
// specialist set even when a non-specialist scored higher; that priority
// is the point of the method. Falls back to the overall best when no
// specialist contributed.
func specialistSynthesis(results []AgentResult, specialists []string, conflicts []Conflict) Synthesis {
	isSpecialist := make(map[string]bool, len(specialists))
	for _, id := range specialists {
		isSpecialist[id] = true
	}

	var chosen *AgentResult
	for i := range results {
		r := &results[i]
		if r.Error != "" || !isSpecialist[r.AgentID] {
			continue
		}
		if chosen == nil || r.Confidence > chosen.Confidence {
			chosen = r
		}
	}
	if chosen == nil {
		for i := range results {
			r := &results[i]
			if r.Error != "" {
				continue
			}
			if chosen == nil || r.Confidence > chosen.Confidence {
				chosen = r
			}
		}
	}

	s := Synthesis{Method: SpecialistPriority, Conflicts: conflicts}
	if chosen != nil {
		s.UnifiedResult = chosen.Result
		s.Confidence = chosen.Confidence
		s.Recommendations = append(s.Recommendations,
			fmt.Sprintf("selected result from agent %s", chosen.AgentID))
	} else {
		s.Recommendations = append(s.Recommendations, "no successful result to select")
	}
	return s
}

// weightedSynthesis combines numeric payloads by weighted average using
// caller weights, falling back to each result's own confidence. Any
// non-numeric successful payload degrades the whole set to reporting the
// highest-weighted single result. Confidence is the plain mean.
func weightedSynthesis(results []AgentResult, weights map[string]float64, conflicts []Conflict) Synthesis {
	s := Synthesis{Method: ConfidenceWeighted, Conflicts: conflicts, Confidence: meanConfidence(results)}

	weightOf := func(r *AgentResult) float64 {
		if w, ok := weights[r.AgentID]; ok {
			return w
		}
		return r.Confidence
	}

	allNumeric := true
	var weightedSum, totalWeight float64
	var heaviest *AgentResult
	var heaviestWeight float64

	for i := range results {
		r := &results[i]
		if r.Error != "" {
			continue
		}
		w := weightOf(r)
		if heaviest == nil || w > heaviestWeight {
			heaviest, heaviestWeight = r, w
		}
		if v, ok := numericPayload(r.Result); ok {
			weightedSum += w * v
			totalWeight += w
		} else {
			allNumeric = false
		}
	}

	switch {
	case heaviest == nil:
		s.Recommendations = append(s.Recommendations, "no successful result to combine")
	case allNumeric && totalWeight > 0:
		combined := weightedSum / totalWeight
		s.UnifiedResult = json.RawMessage(strconv.FormatFloat(combined, 'g', -1, 64))
	default:
		s.UnifiedResult = heaviest.Result
		s.Recommendations = append(s.Recommendations,
			fmt.Sprintf("non-numeric results, reporting highest-weighted agent %s", heaviest.AgentID))
	}
	return s
}

// manualSynthesis is the intentional escape hatch: no unified result,
// only review instructions.
func manualSynthesis(conflicts []Conflict) Synthesis {
	return Synthesis{
		Method:    Manual,
		Conflicts: conflicts,
		Recommendations: []string{
			"manual review required",
			"inspect individual agent results before accepting any of them",
		},
	}
}

// structurallyEqual compares payloads by parsed JSON structure, so key
// ordering does not matter but any extra field does. Unparseable payloads
// fall back to byte comparison.
func structurallyEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(av, bv)
}

// approachTag extracts an "approach" or "method" tag from an object
// payload.
func approachTag(payload json.RawMessage) string {
	var obj map[string]any
	if json.Unmarshal(payload, &obj) != nil {
		return ""
	}
	for _, key := range []string{"approach", "method"} {
		if v, ok := obj[key].(string); ok {
			return v
		}
	}
	return ""
}

// numericPayload reports whether the payload is a bare JSON number.
func numericPayload(payload json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(payload, &v); err != nil {
		return 0, false
	}
	return v, true
}

func meanConfidence(results []AgentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	return sum / float64(len(results))
}
