package permissions

import (
	"regexp"
	"strings"
	"sync"
)

var globCache sync.Map

// matchPattern reports whether subject matches pattern by exact equality, by
// glob, or because pattern is a whitespace-delimited command prefix of subject.
// A "[" alone enables glob mode, so "a[bc]" also matches "ab". Equality is
// checked first, so a literal path containing brackets still matches itself.
func matchPattern(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		if re := compileGlob(pattern); re != nil && re.MatchString(subject) {
			return true
		}
	}
	return strings.HasPrefix(subject, pattern+" ")
}

// compileGlob translates a glob into an anchored regexp. "*" spans any run of
// characters including path separators, "?" matches one character and
// "[...]" is a character class ("[!...]" negates). Invalid globs return nil.
func compileGlob(pattern string) *regexp.Regexp {
	if cached, ok := globCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}

	var b strings.Builder
	b.WriteString(`(?s)^`)
	runes := []rune(pattern)
	valid := true
	for i := 0; i < len(runes) && valid; i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			end := i + 1
			if end < len(runes) && (runes[end] == '!' || runes[end] == '^') {
				end++
			}
			if end < len(runes) && runes[end] == ']' {
				end++
			}
			for end < len(runes) && runes[end] != ']' {
				end++
			}
			if end >= len(runes) {
				valid = false
				break
			}
			class := runes[i+1 : end]
			b.WriteString(`[`)
			if len(class) > 0 && (class[0] == '!' || class[0] == '^') {
				b.WriteString(`^`)
				class = class[1:]
			}
			for _, c := range class {
				if c == '\\' || c == '[' || c == ']' {
					b.WriteRune('\\')
				}
				b.WriteRune(c)
			}
			b.WriteString(`]`)
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)

	var re *regexp.Regexp
	if valid {
		compiled, err := regexp.Compile(b.String())
		if err == nil {
			re = compiled
		}
	}
	globCache.Store(pattern, re)
	return re
}
