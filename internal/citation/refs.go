package citation

import (
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches inline references of the form [3] in generated answers.
var refPattern = regexp.MustCompile(`\[(\d+)\]`)

// Refs returns the distinct inline reference numbers present in an answer,
// in order of first appearance.
func Refs(answer string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range refPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// SanitizeRefs removes inline references that do not resolve to one of the
// bundleSize fragments the answer was generated from. The model occasionally
// invents reference numbers; dropping them keeps every surviving reference
// resolvable to a real fragment.
func SanitizeRefs(answer string, bundleSize int) string {
	sanitized := refPattern.ReplaceAllStringFunc(answer, func(m string) string {
		n, err := strconv.Atoi(strings.Trim(m, "[]"))
		if err != nil || n < 1 || n > bundleSize {
			return ""
		}
		return m
	})
	// Collapse doubled spaces left behind by removed references, preserving
	// line breaks.
	sanitized = spaceRun.ReplaceAllString(sanitized, " ")
	return strings.TrimSpace(sanitized)
}

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)
