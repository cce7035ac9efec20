package env

import (
	"testing"
	"time"
)

func TestEnvironment_BasicTypes(t *testing.T) {
	env := FromMap(map[string]string{
		"CORRAL_STRING":   "test value",
		"CORRAL_INT":      "42",
		"CORRAL_BOOL":     "true",
		"CORRAL_DURATION": "1m30s",
		"CORRAL_BAD_INT":  "forty-two",
		"CORRAL_EMPTY":    "",
	})

	if got := env.GetString("CORRAL_STRING"); got != "test value" {
		t.Errorf("GetString() = %q", got)
	}
	if got := env.GetInt("CORRAL_INT"); got != 42 {
		t.Errorf("GetInt() = %d", got)
	}
	if !env.GetBool("CORRAL_BOOL") {
		t.Error("GetBool() = false")
	}
	if got := env.GetDuration("CORRAL_DURATION"); got != 90*time.Second {
		t.Errorf("GetDuration() = %v", got)
	}
	if got := env.GetInt("CORRAL_BAD_INT"); got != 0 {
		t.Errorf("GetInt(malformed) = %d, want 0", got)
	}
	if !env.Has("CORRAL_EMPTY") || env.Has("CORRAL_MISSING") {
		t.Error("Has() does not distinguish empty from unset")
	}
}

func TestEnvironment_Defaults(t *testing.T) {
	env := FromMap(map[string]string{"CORRAL_BAD_DURATION": "soon"})

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"string", env.GetStringWithDefault("CORRAL_MISSING", "fallback"), "fallback"},
		{"int", env.GetIntWithDefault("CORRAL_MISSING", 7), 7},
		{"bool", env.GetBoolWithDefault("CORRAL_MISSING", true), true},
		{"duration", env.GetDurationWithDefault("CORRAL_BAD_DURATION", time.Second), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEnvironment_Process(t *testing.T) {
	t.Setenv("CORRAL_LOG_LEVEL", "debug")
	if got := New().GetString("CORRAL_LOG_LEVEL"); got != "debug" {
		t.Errorf("GetString() = %q, want debug", got)
	}
}
