package scheduler

import (
	"bufio"
	"regexp"
	"strings"
)

var (
	versionPrefixRegexp = regexp.MustCompile(`Version\s+([A-Za-z0-9.\-]+)`)
	dottedTripleRegexp  = regexp.MustCompile(`^[A-Za-z0-9]+\.[A-Za-z0-9]+\.[A-Za-z0-9]+$`)
)

const unknownVersion = "unknown"

// extractVersion inspects the first ten lines of a changelog and returns
// the first match of:
//
//  1. a line containing "Version " followed by the version;
//  2. a line starting with "v<rest>";
//  3. a line that is a dotted triple of alphanumerics.
//
// Falling back to "unknown" if none match.
func extractVersion(changelog string) string {
	scanner := bufio.NewScanner(strings.NewReader(changelog))

	lines := make([]string, 0, 10)
	for scanner.Scan() && len(lines) < 10 {
		lines = append(lines, scanner.Text())
	}

	for _, line := range lines {
		if m := versionPrefixRegexp.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "v") && len(trimmed) > 1 {
			return trimmed[1:]
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if dottedTripleRegexp.MatchString(trimmed) {
			return trimmed
		}
	}

	return unknownVersion
}
