package util

import (
	"testing"
	"time"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999990000@s.whatsapp.net", "5511999990000"},
		{"5511999990000:7@s.whatsapp.net", "5511999990000"},
		{"+55 (11) 99999-0000", "5511999990000"},
		{"whatsapp:+5511999990000", "5511999990000"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalPhone(tt.in); got != tt.want {
			t.Errorf("CanonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1199999000", true},
		{"5511999990000", true},
		{"119999900", false},
		{"55119999900001", false},
		{"abc", false},
	}
	for _, tt := range tests {
		if got := IsValidPhone(tt.in); got != tt.want {
			t.Errorf("IsValidPhone(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseEnvHelpers(t *testing.T) {
	t.Setenv("HP_TEST_DURATION", "45s")
	t.Setenv("HP_TEST_BAD_DURATION", "soon")
	t.Setenv("HP_TEST_LIST", " cancelar, sair ,, ")
	t.Setenv("HP_TEST_BOOL", "yes")

	if got := ParseDurationEnv("HP_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Errorf("ParseDurationEnv = %v", got)
	}
	if got := ParseDurationEnv("HP_TEST_BAD_DURATION", time.Minute); got != time.Minute {
		t.Errorf("invalid duration should fall back, got %v", got)
	}
	list := ParseListEnv("HP_TEST_LIST", nil)
	if len(list) != 2 || list[0] != "cancelar" || list[1] != "sair" {
		t.Errorf("ParseListEnv = %v", list)
	}
	if got := ParseListEnv("HP_TEST_UNSET_LIST", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("unset list should return default, got %v", got)
	}
	if !ParseBoolEnv("HP_TEST_BOOL", false) {
		t.Error("ParseBoolEnv should accept yes")
	}
}
