package query

import "testing"

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "bare zero", input: "0", want: 0},
		{name: "zero seconds", input: "0s", want: 0},
		{name: "long composite", input: "3h15m10s500ms", want: 11_710_500},
		{name: "hundred nanoseconds", input: "100ns", want: 1e-4},
		{name: "milliseconds", input: "12ms", want: 12},
		{name: "seconds", input: "1.5s", want: 1500},
		{name: "minutes", input: "2m", want: 120000},
		{name: "hours", input: "1h", want: 3_600_000},
		{name: "nanoseconds", input: "500ns", want: 0.0005},
		{name: "microseconds us", input: "3us", want: 0.003},
		{name: "microseconds µ (U+00B5)", input: "3µs", want: 0.003},
		{name: "microseconds μ (U+03BC)", input: "3μs", want: 0.003},
		{name: "composite", input: "1h2m3s", want: 3_600_000 + 120_000 + 3_000},
		{name: "leading plus allowed", input: "+5s", want: 5000},
		{name: "empty string rejected", input: "", wantErr: true},
		{name: "negative rejected", input: "-5s", wantErr: true},
		{name: "missing unit rejected", input: "5", wantErr: true},
		{name: "unknown unit rejected", input: "5x", wantErr: true},
		{name: "missing number rejected", input: "ms", wantErr: true},
		{name: "inner whitespace rejected", input: "1h 30m", wantErr: true},
		{name: "negative fraction rejected", input: "-.5s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDuration(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration(%q) unexpected error: %v", tt.input, err)
			}
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
