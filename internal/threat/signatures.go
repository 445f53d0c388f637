package threat

import "regexp"

// Known attack input signatures. Matching is intentionally coarse: these
// are tripwires feeding the block registry, not a parser; the downstream
// input validation layer remains responsible for actual sanitization.
var (
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)'\s*(or|and)\s*'?[\w\s]*'?\s*=\s*'`),
		regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select)\b`),
		regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+(table|database)\b`),
		regexp.MustCompile(`(?i)\b(insert\s+into|delete\s+from|update\s+\w+\s+set)\b`),
		regexp.MustCompile(`(?i)\b(exec(ute)?|sp_executesql)\s*\(`),
		regexp.MustCompile(`(?i)\bor\s+\d+\s*=\s*\d+`),
		regexp.MustCompile(`(?i)'\s*;\s*--`),
	}

	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script\b`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`),
		regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`),
		regexp.MustCompile(`(?i)(document\.cookie|document\.write|window\.location)`),
	}
)

// matchSignatures returns the patterns in set that match input.
func matchSignatures(set []*regexp.Regexp, input string) []string {
	var matched []string
	for _, re := range set {
		if re.MatchString(input) {
			matched = append(matched, re.String())
		}
	}
	return matched
}
