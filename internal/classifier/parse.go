package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/whisper/aimodbot/internal/moderation"
)

// rawVerdict accepts both the current field names and the older
// "max"/"analysis" pair.
type rawVerdict struct {
	Score      *float64       `json:"score"`
	Max        *float64       `json:"max"`
	Rationale  string         `json:"rationale"`
	Analysis   string         `json:"analysis"`
	Comment    string         `json:"comment"`
	Categories map[string]any `json:"categories"`
}

// parseVerdict extracts the first well-formed JSON object from reply and
// validates it. Models often wrap the object in prose or code fences.
func parseVerdict(reply string) (moderation.Verdict, error) {
	obj, ok := firstObject(reply)
	if !ok {
		return moderation.Verdict{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}

	var raw rawVerdict
	if err := json.Unmarshal(obj, &raw); err != nil {
		return moderation.Verdict{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	score := raw.Score
	if score == nil {
		score = raw.Max
	}
	if score == nil {
		return moderation.Verdict{}, fmt.Errorf("%w: missing score", ErrMalformedResponse)
	}
	if math.IsNaN(*score) || math.IsInf(*score, 0) || *score < 0 || *score > 10 {
		return moderation.Verdict{}, fmt.Errorf("%w: score %v out of range", ErrMalformedResponse, *score)
	}

	v := moderation.Verdict{
		Score:     *score,
		Rationale: raw.Rationale,
		Comment:   strings.TrimSpace(raw.Comment),
	}
	if v.Rationale == "" {
		v.Rationale = raw.Analysis
	}
	for name, val := range raw.Categories {
		if f, ok := val.(float64); ok {
			if v.Categories == nil {
				v.Categories = make(map[string]float64, len(raw.Categories))
			}
			v.Categories[name] = f
		}
	}
	return v, nil
}

// firstObject returns the first '{' in s that starts a complete JSON value.
func firstObject(s string) (json.RawMessage, bool) {
	for i := strings.IndexByte(s, '{'); i >= 0; {
		var obj json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&obj); err == nil {
			return obj, true
		}
		next := strings.IndexByte(s[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}
