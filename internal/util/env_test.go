package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"OFF", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{" true ", false, true},
	}
	for _, tc := range cases {
		t.Setenv("CARELINE_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("CARELINE_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	cases := []struct {
		value string
		def   int
		want  int
	}{
		{"42", 0, 42},
		{"-3", 0, -3},
		{" 7 ", 0, 7},
		{"", 9, 9},
		{"abc", 9, 9},
	}
	for _, tc := range cases {
		t.Setenv("CARELINE_TEST_INT", tc.value)
		if got := ParseIntEnv("CARELINE_TEST_INT", tc.def); got != tc.want {
			t.Errorf("ParseIntEnv(%q, %d) = %d, want %d", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	cases := []struct {
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"2s", time.Minute, 2 * time.Second},
		{"5m", time.Second, 5 * time.Minute},
		{"", time.Second, time.Second},
		{"soon", time.Second, time.Second},
	}
	for _, tc := range cases {
		t.Setenv("CARELINE_TEST_DUR", tc.value)
		if got := ParseDurationEnv("CARELINE_TEST_DUR", tc.def); got != tc.want {
			t.Errorf("ParseDurationEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("CARELINE_TEST_LIST", "111, 222 ,,333")
	got := ParseListEnv("CARELINE_TEST_LIST")
	want := []string{"111", "222", "333"}
	if len(got) != len(want) {
		t.Fatalf("ParseListEnv returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %q, want %q", i, got[i], want[i])
		}
	}

	t.Setenv("CARELINE_TEST_LIST", "")
	if got := ParseListEnv("CARELINE_TEST_LIST"); got != nil {
		t.Errorf("ParseListEnv on empty = %v, want nil", got)
	}
}
