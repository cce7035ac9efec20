package descriptor

import (
	"strings"
	"testing"
)

func TestParseEnvFile(t *testing.T) {
	input := `
# comment line
A=1
export B="two words"
C='$A literal'
D=${A}0
A=override
E+=suffix
export HOME
`
	base := map[string]string{"HOME": "/home/pi", "E": "base-"}

	vars, err := ParseEnvFile(strings.NewReader(input), "test.env", base)
	if err != nil {
		t.Fatalf("ParseEnvFile() error = %v", err)
	}

	want := map[string]string{
		"A":    "override",
		"B":    "two words",
		"C":    "$A literal",
		"D":    "10",
		"E":    "base-suffix",
		"HOME": "/home/pi",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("%s = %q, want %q", k, vars[k], v)
		}
	}
	if len(vars) != len(want) {
		t.Errorf("Got %d variables, want %d: %v", len(vars), len(want), vars)
	}
}

func TestParseEnvFile_Rejects(t *testing.T) {
	tests := map[string]string{
		"command":      "rm -rf /\n",
		"substitution": "A=$(whoami)\n",
		"redirect":     "A=1 > out\n",
		"readonly":     "readonly A=1\n",
		"syntax":       "A='unterminated\n",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseEnvFile(strings.NewReader(input), "bad.env", nil); err == nil {
				t.Errorf("ParseEnvFile(%q) should fail", input)
			}
		})
	}
}
