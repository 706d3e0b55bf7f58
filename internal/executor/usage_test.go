package executor

import "testing"

func TestUsageAccumulatorAdds(t *testing.T) {
	var acc UsageAccumulator
	acc.Add(Usage{InputTokens: 10, OutputTokens: 5, FirstTokenLatency: 120, Model: "gpt-4o"})
	acc.Add(Usage{InputTokens: 7, OutputTokens: 3, FirstTokenLatency: 300})

	got := acc.Total()
	if got.InputTokens != 17 || got.OutputTokens != 8 {
		t.Errorf("Total() = %d in / %d out, want 17 / 8", got.InputTokens, got.OutputTokens)
	}
	if got.FirstTokenLatency != 120 {
		t.Errorf("FirstTokenLatency = %d, want earliest value 120", got.FirstTokenLatency)
	}
	if got.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", got.Model)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		a, b Usage
		want Usage
	}{
		{
			name: "tokens sum",
			a:    Usage{InputTokens: 100, OutputTokens: 20, Model: "claude-sonnet"},
			b:    Usage{InputTokens: 50, OutputTokens: 10, Model: "gpt-4o"},
			want: Usage{InputTokens: 150, OutputTokens: 30, Model: "gpt-4o"},
		},
		{
			name: "first token latency keeps earliest",
			a:    Usage{FirstTokenLatency: 200},
			b:    Usage{FirstTokenLatency: 90},
			want: Usage{FirstTokenLatency: 200},
		},
		{
			name: "zero latency filled from second",
			a:    Usage{},
			b:    Usage{FirstTokenLatency: 90},
			want: Usage{FirstTokenLatency: 90},
		},
		{
			name: "empty model does not clobber",
			a:    Usage{Model: "claude-sonnet"},
			b:    Usage{},
			want: Usage{Model: "claude-sonnet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.a, tt.b)
			if got.InputTokens != tt.want.InputTokens ||
				got.OutputTokens != tt.want.OutputTokens ||
				got.FirstTokenLatency != tt.want.FirstTokenLatency ||
				got.Model != tt.want.Model {
				t.Errorf("Merge() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorCodeRetryable(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{CodeModelUnavailable, true},
		{CodeRateLimited, true},
		{CodeContextTooLarge, false},
		{CodeProviderError, false},
		{CodeTimeout, false},
		{CodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Retryable(); got != tt.want {
				t.Errorf("%s.Retryable() = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}
