package workload

import "testing"

func TestTextFieldsEstimate(t *testing.T) {
	est := TextFields{Fields: []string{"text_1", "text_2"}}

	cases := []struct {
		name    string
		payload map[string]any
		want    int
	}{
		{
			name:    "score pair",
			payload: map[string]any{"text_1": []any{"a b c"}, "text_2": []any{"d e"}},
			want:    7, // int(5 * 1.4)
		},
		{
			name:    "plain string field",
			payload: map[string]any{"text_1": "one two three four five"},
			want:    7,
		},
		{
			name:    "empty payload floors to one",
			payload: map[string]any{},
			want:    1,
		},
		{
			name:    "missing fields floors to one",
			payload: map[string]any{"other": 42},
			want:    1,
		},
		{
			name:    "non-string entries skipped",
			payload: map[string]any{"text_1": []any{3.0, "a b"}, "text_2": nil},
			want:    2, // int(2 * 1.4)
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := est.Estimate(tc.payload); got != tc.want {
				t.Errorf("Estimate(%v) = %d, want %d", tc.payload, got, tc.want)
			}
		})
	}
}

func TestDeclaredBudgetEstimate(t *testing.T) {
	est := DeclaredBudget{Fields: []string{"max_tokens", "max_new_tokens"}}

	cases := []struct {
		name    string
		payload map[string]any
		want    int
	}{
		{"max_tokens present", map[string]any{"max_tokens": 100.0}, 100},
		{"fallback field", map[string]any{"max_new_tokens": 64.0}, 64},
		{"first field wins", map[string]any{"max_tokens": 10.0, "max_new_tokens": 64.0}, 10},
		{"zero clamps to one", map[string]any{"max_tokens": 0.0}, 1},
		{"negative clamps to one", map[string]any{"max_tokens": -5.0}, 1},
		{"missing floors to one", map[string]any{"prompt": "hi"}, 1},
		{"wrong type floors to one", map[string]any{"max_tokens": "lots"}, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := est.Estimate(tc.payload); got != tc.want {
				t.Errorf("Estimate(%v) = %d, want %d", tc.payload, got, tc.want)
			}
		})
	}
}

func TestFixedEstimate(t *testing.T) {
	if got := (Fixed{Cost: 100}).Estimate(map[string]any{"anything": 1}); got != 100 {
		t.Errorf("Estimate = %d, want 100", got)
	}
	if got := (Fixed{}).Estimate(nil); got != 1 {
		t.Errorf("zero fixed cost = %d, want clamp to 1", got)
	}
}

func TestEstimateAlwaysPositive(t *testing.T) {
	estimators := []Estimator{
		TextFields{Fields: []string{"text_1"}},
		DeclaredBudget{Fields: []string{"max_tokens"}},
		Fixed{},
	}
	payloads := []map[string]any{
		nil,
		{},
		{"text_1": 12},
		{"max_tokens": map[string]any{}},
	}
	for _, est := range estimators {
		for _, p := range payloads {
			if got := est.Estimate(p); got < 1 {
				t.Errorf("%T.Estimate(%v) = %d, want >= 1", est, p, got)
			}
		}
	}
}
