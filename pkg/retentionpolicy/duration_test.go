package retentionpolicy

import (
	"testing"
	"time"
)

func TestParseCutOff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"empty means zero", "", 0, false},
		{"zero seconds", "0s", 0, false},
		{"single day", "1d", day, false},
		{"single week", "2w", 2 * week, false},
		{"compound spaced", "2w 3d 5h 2s", 2*week + 3*day + 5*time.Hour + 2*time.Second, false},
		{"standard go duration", "30m", 30 * time.Minute, false},
		{"invalid unit", "5x", 0, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseCutOff(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseCutOff(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("ParseCutOff(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
