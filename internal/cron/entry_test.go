package cron

import "testing"

func TestNextEntryID(t *testing.T) {
	t.Parallel()
	full := make([]uint8, 0, 255)
	for id := 1; id <= 255; id++ {
		full = append(full, uint8(id))
	}

	tests := []struct {
		name string
		used []uint8
		want uint8
	}{
		{name: "empty", used: nil, want: 1},
		{name: "dense run", used: []uint8{1, 2, 3}, want: 4},
		{name: "gap beats max+1", used: []uint8{1, 2, 255}, want: 3},
		{name: "hole in middle", used: []uint8{1, 3, 4}, want: 2},
		{name: "order independent", used: []uint8{255, 2, 1}, want: 3},
		{name: "zero ignored", used: []uint8{0, 1}, want: 2},
		{name: "exhausted", used: full, want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := nextEntryID(tt.used); got != tt.want {
				t.Fatalf("nextEntryID(%v) = %d, want %d", tt.used, got, tt.want)
			}
		})
	}
}

func TestValidIntervalMinutes(t *testing.T) {
	t.Parallel()
	for _, m := range []int{1, 60, 1440} {
		if !validIntervalMinutes(m) {
			t.Errorf("validIntervalMinutes(%d) = false", m)
		}
	}
	for _, m := range []int{0, -1, 1441, 100000} {
		if validIntervalMinutes(m) {
			t.Errorf("validIntervalMinutes(%d) = true", m)
		}
	}
}

func TestValidDailyTime(t *testing.T) {
	t.Parallel()
	if !validDailyTime(0, 0) || !validDailyTime(23, 59) {
		t.Fatal("boundary times rejected")
	}
	for _, tc := range [][2]int{{24, 0}, {-1, 0}, {0, 60}, {0, -1}} {
		if validDailyTime(tc[0], tc[1]) {
			t.Errorf("validDailyTime(%d, %d) = true", tc[0], tc[1])
		}
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want string
	}{
		{KindPeriodic, "periodic"},
		{KindDaily, "daily"},
		{KindCondition, "condition"},
		{KindOnce, "once"},
		{Kind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
