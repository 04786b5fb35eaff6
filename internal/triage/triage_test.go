package triage

import "testing"

func TestGate0RejectsShortContent(t *testing.T) {
	r := Rules{Gate0: Gate0{Enabled: true, MinLen: 10}}
	res := Evaluate(r, Candidate{Content: "short"})
	if res.Pass {
		t.Fatalf("want reject")
	}
	if res.Reason != "policy:gate0:min_len" {
		t.Fatalf("want policy:gate0:min_len, got %s", res.Reason)
	}
}

func TestGate0DisabledSkipsCheck(t *testing.T) {
	r := Rules{Gate0: Gate0{Enabled: false, MinLen: 1000}}
	res := Evaluate(r, Candidate{Content: "x"})
	if !res.Pass {
		t.Fatalf("disabled gate0 must not reject")
	}
}

func TestGate0BChecksLikesAndComments(t *testing.T) {
	r := Rules{Gate0B: Gate0B{Enabled: true, MinLen: 1, MinLikes: 5, MinComments: 2}}

	res := Evaluate(r, Candidate{Content: "hello", Likes: 1, Comments: 5})
	if res.Pass || res.Reason != "policy:gate0b:min_likes" {
		t.Fatalf("want min_likes rejection, got %+v", res)
	}

	res = Evaluate(r, Candidate{Content: "hello", Likes: 5, Comments: 0})
	if res.Pass || res.Reason != "policy:gate0b:min_comments" {
		t.Fatalf("want min_comments rejection, got %+v", res)
	}

	res = Evaluate(r, Candidate{Content: "hello", Likes: 5, Comments: 2})
	if !res.Pass {
		t.Fatalf("want pass, got %+v", res)
	}
}

func TestGate0ThenGate0BOrdering(t *testing.T) {
	r := Rules{
		Gate0:  Gate0{Enabled: true, MinLen: 100},
		Gate0B: Gate0B{Enabled: true, MinLikes: 5},
	}
	res := Evaluate(r, Candidate{Content: "short", Likes: 0})
	if res.Reason != "policy:gate0:min_len" {
		t.Fatalf("gate0 must be evaluated before gate0b, got %s", res.Reason)
	}
}

func TestLoadRulesEnvOverridesFileDefaults(t *testing.T) {
	r, err := LoadRules("", map[string]string{
		"GATE0B_ENABLED":   "true",
		"GATE0B_MIN_LEN":   "20",
		"GATE0B_MIN_LIKES": "3",
	})
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if !r.Gate0B.Enabled || r.Gate0B.MinLen != 20 || r.Gate0B.MinLikes != 3 {
		t.Fatalf("env overrides not applied: %+v", r)
	}
}

func TestLoadRulesZeroValueFallback(t *testing.T) {
	r, err := LoadRules("", nil)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if r.Gate0.Enabled || r.Gate0B.Enabled {
		t.Fatalf("want disabled zero-value fallback, got %+v", r)
	}
}

func TestFormatReason(t *testing.T) {
	gate, field, ok := FormatReason("policy:gate0b:min_comments")
	if !ok || gate != "gate0b" || field != "min_comments" {
		t.Fatalf("unexpected parse: %s %s %v", gate, field, ok)
	}
	if _, _, ok := FormatReason("not-a-policy-reason"); ok {
		t.Fatalf("want ok=false for malformed reason")
	}
}
