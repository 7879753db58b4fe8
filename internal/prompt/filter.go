// Package prompt filters comma separated prompt text against word lists.
package prompt

import (
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// Filter removes blacklisted words from prompt tags and, when a whitelist is
// set, keeps only tags mentioning a whitelisted word.
type Filter struct {
	Blacklist []string
	Whitelist []string

	black []*regexp.Regexp
	white []*regexp.Regexp
}

// NewFilter compiles both lists. Terms are matched literally, as whole words,
// ignoring case. Blank terms are skipped.
func NewFilter(blacklist, whitelist []string) *Filter {
	f := &Filter{}
	f.Blacklist, f.black = compileTerms(blacklist)
	f.Whitelist, f.white = compileTerms(whitelist)
	return f
}

func compileTerms(terms []string) ([]string, []*regexp.Regexp) {
	var (
		kept     []string
		patterns []*regexp.Regexp
	)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		kept = append(kept, term)
		patterns = append(patterns, regexp.MustCompile(`(?i)(^|[^\pL\pN_])`+regexp.QuoteMeta(term)+`($|[^\pL\pN_])`))
	}
	return kept, patterns
}

// Empty reports whether the filter has no terms at all.
func (f *Filter) Empty() bool {
	return len(f.black) == 0 && len(f.white) == 0
}

// Apply filters text and returns the surviving tags joined with ", ".
// Duplicate tags (ignoring case) are dropped, the first spelling wins.
func (f *Filter) Apply(text string) string {
	return strings.Join(f.filterTags(SplitTags(text)), ", ")
}

// ApplyAll filters a list of trained words, dropping entries that end up empty.
func (f *Filter) ApplyAll(words []string) []string {
	var out []string
	for _, w := range words {
		if filtered := f.Apply(w); filtered != "" {
			out = append(out, filtered)
		}
	}
	return out
}

func (f *Filter) filterTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = f.removeBlacklisted(tag)
		if tag == "" {
			continue
		}
		if len(f.white) > 0 && !matchesAny(f.white, tag) {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func (f *Filter) removeBlacklisted(tag string) string {
	for _, re := range f.black {
		// Matches share their boundary characters, so repeat until stable.
		for re.MatchString(tag) {
			tag = re.ReplaceAllString(tag, "$1 $2")
		}
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(tag, " "))
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// SplitTags splits prompt text on commas and trims each tag, dropping blanks.
func SplitTags(text string) []string {
	var tags []string
	for _, part := range strings.Split(text, ",") {
		if tag := strings.TrimSpace(whitespaceRun.ReplaceAllString(part, " ")); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
