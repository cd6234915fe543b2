package opportunity

import (
	"testing"
	"time"
)

func TestTimeWindow_Closes(t *testing.T) {
	tests := []struct {
		name      string
		window    TimeWindow
		checkTime time.Time
		want      bool
		closes    time.Time
		wantErr   bool
	}{
		{
			name:      "Empty window is the whole day",
			window:    TimeWindow{},
			checkTime: time.Date(2023, 10, 23, 10, 0, 0, 0, time.UTC),
			want:      true,
			closes:    time.Date(2023, 10, 24, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Day match - Monday",
			window:    TimeWindow{Days: []string{"Mon"}},
			checkTime: time.Date(2023, 10, 23, 10, 0, 0, 0, time.UTC),
			want:      true,
			closes:    time.Date(2023, 10, 24, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "Day mismatch - Tuesday",
			window:    TimeWindow{Days: []string{"monday"}},
			checkTime: time.Date(2023, 10, 24, 10, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "Range match closes at end",
			window:    TimeWindow{StartTime: "12:00", EndTime: "14:00"},
			checkTime: time.Date(2023, 10, 23, 13, 15, 0, 0, time.UTC),
			want:      true,
			closes:    time.Date(2023, 10, 23, 14, 0, 0, 0, time.UTC),
		},
		{
			name:      "Range end is exclusive",
			window:    TimeWindow{StartTime: "12:00", EndTime: "14:00"},
			checkTime: time.Date(2023, 10, 23, 14, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "Range mismatch before",
			window:    TimeWindow{StartTime: "09:00", EndTime: "17:00"},
			checkTime: time.Date(2023, 10, 23, 8, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "Cross-midnight late part",
			window:    TimeWindow{StartTime: "22:00", EndTime: "06:00"},
			checkTime: time.Date(2023, 10, 23, 23, 0, 0, 0, time.UTC),
			want:      true,
			closes:    time.Date(2023, 10, 24, 6, 0, 0, 0, time.UTC),
		},
		{
			name:      "Cross-midnight early part",
			window:    TimeWindow{StartTime: "22:00", EndTime: "06:00"},
			checkTime: time.Date(2023, 10, 24, 4, 0, 0, 0, time.UTC),
			want:      true,
			closes:    time.Date(2023, 10, 24, 6, 0, 0, 0, time.UTC),
		},
		{
			name:      "Cross-midnight early part belongs to previous day",
			window:    TimeWindow{Days: []string{"Mon"}, StartTime: "22:00", EndTime: "06:00"},
			checkTime: time.Date(2023, 10, 24, 4, 0, 0, 0, time.UTC), // Tuesday
			want:      true,
			closes:    time.Date(2023, 10, 24, 6, 0, 0, 0, time.UTC),
		},
		{
			name:      "Cross-midnight mismatch middle",
			window:    TimeWindow{StartTime: "22:00", EndTime: "06:00"},
			checkTime: time.Date(2023, 10, 23, 12, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "Bad time format",
			window:    TimeWindow{StartTime: "9am", EndTime: "17:00"},
			checkTime: time.Date(2023, 10, 23, 12, 0, 0, 0, time.UTC),
			wantErr:   true,
		},
		{
			name:      "Bad location",
			window:    TimeWindow{Location: "Mars/Olympus"},
			checkTime: time.Date(2023, 10, 23, 12, 0, 0, 0, time.UTC),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closes, got, err := tt.window.Closes(tt.checkTime)
			if (err != nil) != tt.wantErr {
				t.Errorf("Closes() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("Closes() got = %v, want %v", got, tt.want)
			}
			if tt.want && !closes.Equal(tt.closes) {
				t.Errorf("Closes() closes = %v, want %v", closes, tt.closes)
			}
		})
	}
}

func TestTimeWindow_Location(t *testing.T) {
	// Separate test for location to handle envs without tzdata
	if _, err := time.LoadLocation("America/New_York"); err != nil {
		t.Skipf("Skipping location test: %v", err)
	}

	window := TimeWindow{StartTime: "09:00", EndTime: "17:00", Location: "America/New_York"}

	// 15:00 UTC = 10:00 EST (Jan 1) -> Match
	got, err := window.Matches(time.Date(2023, 1, 1, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Matches error: %v", err)
	}
	if !got {
		t.Errorf("Expected match for 15:00 UTC (10:00 EST) in 09:00-17:00 EST window")
	}

	// 12:00 UTC = 07:00 EST (Jan 1) -> No Match
	got, err = window.Matches(time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Matches error: %v", err)
	}
	if got {
		t.Errorf("Expected NO match for 12:00 UTC (07:00 EST) in 09:00-17:00 EST window")
	}
}

func TestTimeWindow_Validate(t *testing.T) {
	if err := (TimeWindow{StartTime: "12:00"}).Validate(); err == nil {
		t.Error("expected error for start without end")
	}
	if err := (TimeWindow{StartTime: "12:00", EndTime: "13:00", Days: []string{"sat", "sun"}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
