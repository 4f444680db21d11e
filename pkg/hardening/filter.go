package hardening

import (
	"regexp"
	"strings"
)

// Filter rejects structurally malicious request material before any
// parsing that could itself be exploited. It is stateless and tolerant
// of false positives: a match is always a hard 400.
type Filter struct {
	patterns []*regexp.Regexp
}

// Match describes the first pattern a sample tripped.
type Match struct {
	Rule   string
	Sample string
}

var defaultRules = []struct {
	name string
	expr string
}{
	{"php_tag", `(?i)<\?\s*php`},
	{"php_short_tag", `<\?=`},
	{"sql_or_true", `(?i)'\s*or\s*1\s*=\s*1`},
	{"sql_union_select", `(?i)union(\s|\+|/\*.*\*/)+select`},
	{"sql_sleep", `(?i)\bsleep\s*\(`},
	{"sql_benchmark", `(?i)\bbenchmark\s*\(`},
	{"sql_load_file", `(?i)\bload_file\s*\(`},
	{"sql_outfile", `(?i)into\s+(out|dump)file`},
	{"sql_comment_terminator", `(?i)('|\d)\s*(--|#)`},
	{"sql_block_comment", `/\*[\s\S]*?\*/`},
}

func NewFilter() *Filter {
	f := &Filter{patterns: make([]*regexp.Regexp, 0, len(defaultRules))}
	for _, rule := range defaultRules {
		f.patterns = append(f.patterns, regexp.MustCompile(rule.expr))
	}
	return f
}

// Inspect checks each sample independently and returns the first match.
// Samples are typically the raw path, query string, body, and a JSON
// rendering of decoded parameters.
func (f *Filter) Inspect(samples ...string) (Match, bool) {
	for _, sample := range samples {
		if sample == "" {
			continue
		}
		if strings.ContainsRune(sample, 0x00) {
			return Match{Rule: "nul_byte", Sample: truncateSample(sample)}, true
		}
		for i, re := range f.patterns {
			if re.MatchString(sample) {
				return Match{Rule: defaultRules[i].name, Sample: truncateSample(sample)}, true
			}
		}
	}
	return Match{}, false
}

func truncateSample(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max]
}
