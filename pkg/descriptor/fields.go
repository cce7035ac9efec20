package descriptor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Args holds the args field, which is either a single string split
// with shell quoting rules or an explicit list
type Args struct {
	Line   string
	List   []string
	IsList bool
}

// UnmarshalYAML accepts a scalar or a sequence of scalars
func (a *Args) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*a = Args{Line: n.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*a = Args{List: list, IsList: true}
		return nil
	default:
		return fmt.Errorf("line %d: args must be a string or a list", n.Line)
	}
}

// Empty reports whether no arguments were configured
func (a Args) Empty() bool {
	return strings.TrimSpace(a.Line) == "" && len(a.List) == 0
}

// Watch holds the watch field: a boolean or a list of paths
type Watch struct {
	Enabled bool
	Paths   []string
}

// UnmarshalYAML accepts a boolean or a sequence of paths
func (w *Watch) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		var on bool
		if err := n.Decode(&on); err != nil {
			return fmt.Errorf("line %d: watch must be a boolean or a list of paths", n.Line)
		}
		*w = Watch{Enabled: on}
		return nil
	case yaml.SequenceNode:
		var paths []string
		if err := n.Decode(&paths); err != nil {
			return err
		}
		*w = Watch{Enabled: len(paths) > 0, Paths: paths}
		return nil
	default:
		return fmt.Errorf("line %d: watch must be a boolean or a list of paths", n.Line)
	}
}

// ParseMemory parses a memory ceiling. Plain numbers are bytes; K, M and
// G suffixes are binary multiples, case-insensitive, with an optional B.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	size, err := datasize.ParseString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if size.Bytes() == 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return size.Bytes(), nil
}

// FormatMemory renders a byte count for humans
func FormatMemory(b uint64) string {
	return datasize.ByteSize(b).HumanReadable()
}

// ParseDuration parses a millisecond count or a Go duration string
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("%q must not be negative", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%q must not be negative", s)
	}
	return d, nil
}
