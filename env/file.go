package env

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// Line is one KEY=value assignment.
type Line struct {
	Key string
	Val string
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseBuffer reads KEY=value lines. Blank lines, comments and an "export " prefix
// are ignored. Values may be wrapped in single or double quotes.
func ParseBuffer(buf []byte) ([]Line, error) {
	var lines []Line
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for n := 1; scanner.Scan(); n++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, val, ok := strings.Cut(text, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("line %d: expected KEY=value", n)
		}
		lines = append(lines, Line{Key: key, Val: dequote(strings.TrimSpace(val))})
	}
	return lines, scanner.Err()
}

// Load applies the assignments in filename to the process environment. Variables that
// are already set keep their value.
func Load(filename string) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "reading %s", filename)
	}
	lines, err := ParseBuffer(buf)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", filename)
	}
	for _, l := range lines {
		if _, ok := os.LookupEnv(l.Key); ok {
			continue
		}
		if err := os.Setenv(l.Key, l.Val); err != nil {
			return errors.Wrapf(err, "setting %s", l.Key)
		}
	}
	return nil
}
