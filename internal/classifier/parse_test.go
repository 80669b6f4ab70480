package classifier

import (
	"errors"
	"testing"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		score   float64
		comment string
	}{
		{"bare object", `{"score": 8, "comment": "likely scam (8)"}`, 8, "likely scam (8)"},
		{"max alias", `{"max": 3, "analysis": "mild", "comment": "ok (3)"}`, 3, "ok (3)"},
		{"score wins over max", `{"score": 2, "max": 9}`, 2, ""},
		{"prose around object", "Sure! Here you go:\n{\"score\": 9, \"comment\": \"hate (9)\"}\nHope that helps.", 9, "hate (9)"},
		{"code fence", "```json\n{\"score\": 0}\n```", 0, ""},
		{"brace in prose first", `the set {a, b} is fine: {"score": 4}`, 4, ""},
		{"upper bound", `{"score": 10}`, 10, ""},
		{"fractional", `{"score": 6.5}`, 6.5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.reply)
			if err != nil {
				t.Fatalf("parseVerdict() error: %v", err)
			}
			if v.Score != tt.score {
				t.Errorf("Score = %v, want %v", v.Score, tt.score)
			}
			if v.Comment != tt.comment {
				t.Errorf("Comment = %q, want %q", v.Comment, tt.comment)
			}
		})
	}
}

func TestParseVerdict_Categories(t *testing.T) {
	v, err := parseVerdict(`{"categories": {"scam": 8, "hate": 1, "note": "n/a"}, "max": 8, "analysis": "link to a fake giveaway"}`)
	if err != nil {
		t.Fatalf("parseVerdict() error: %v", err)
	}
	if v.Categories["scam"] != 8 || v.Categories["hate"] != 1 {
		t.Errorf("Categories = %v", v.Categories)
	}
	if _, ok := v.Categories["note"]; ok {
		t.Error("non-numeric category should be dropped")
	}
	if v.Rationale != "link to a fake giveaway" {
		t.Errorf("Rationale = %q, want analysis fallback", v.Rationale)
	}
}

func TestParseVerdict_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty", ""},
		{"no json", "I think this message is fine."},
		{"truncated", `{"score": 8, "comment": "lik`},
		{"missing score", `{"comment": "spam"}`},
		{"above range", `{"score": 11}`},
		{"below range", `{"score": -1}`},
		{"string score", `{"score": "8"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseVerdict(tt.reply)
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("parseVerdict(%q) error = %v, want ErrMalformedResponse", tt.reply, err)
			}
		})
	}
}

func TestRefusalPhrase(t *testing.T) {
	tests := []struct {
		reply  string
		phrase string
		found  bool
	}{
		{"I'm sorry, but I can't assist with that.", "can't assist", true},
		{"I am unable to help with this request", "unable to help", true},
		{"I can’t do that", "i can't", true},
		{"The message is about helping neighbours", "", false},
	}
	for _, tt := range tests {
		phrase, ok := refusalPhrase(tt.reply)
		if ok != tt.found || phrase != tt.phrase {
			t.Errorf("refusalPhrase(%q) = %q, %v; want %q, %v", tt.reply, phrase, ok, tt.phrase, tt.found)
		}
	}
}
