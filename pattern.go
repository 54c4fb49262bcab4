package blobpack

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

// IgnoreRule is one compiled line of an ignore file.
type IgnoreRule struct {
	// Pattern is the line as written, minus the leading "!" and trailing "/".
	Pattern string
	// BasePath is the slash-separated directory that owns the rule.
	BasePath string
	// Negated rules re-include paths excluded by earlier rules.
	Negated bool
	// DirOnly rules had a trailing "/" and apply to directories only.
	DirOnly bool
	// RootOnly rules contained a "/" and apply only to entries of BasePath.
	RootOnly bool

	re *regexp.Regexp
}

// Match reports whether the rule's pattern matches the slash-separated path.
func (r *IgnoreRule) Match(path string) bool {
	return r.re.MatchString(path)
}

// String returns the regular expression the pattern compiled to.
func (r *IgnoreRule) String() string {
	return r.re.String()
}

// CompileRule compiles a single ignore line declared in basePath.
// Blank lines and comments must be filtered by the caller.
func CompileRule(line, basePath string) (*IgnoreRule, error) {
	rule := &IgnoreRule{BasePath: normalizePath(basePath)}

	pat := line
	if strings.HasPrefix(pat, "!") {
		rule.Negated = true
		pat = pat[1:]
	}
	if strings.HasSuffix(pat, "/") && !strings.HasSuffix(pat, `\/`) {
		rule.DirOnly = true
		pat = strings.TrimSuffix(pat, "/")
	}
	if pat == "" {
		return nil, &PatternSyntaxError{Pattern: line, Reason: "empty pattern"}
	}
	rule.Pattern = pat
	rule.RootOnly = strings.Contains(pat, "/")

	body, err := translatePattern(pat)
	if err != nil {
		return nil, &PatternSyntaxError{Pattern: line, Reason: err.Error()}
	}

	var expr string
	switch {
	case strings.HasPrefix(pat, "/"):
		// Anchored to the declaring directory.
		expr = "^" + regexp.QuoteMeta(strings.TrimSuffix(rule.BasePath, "/")) + body + "$"
	default:
		// Only the end is anchored: "build" also matches "rebuild".
		expr = body + "$"
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &PatternSyntaxError{Pattern: line, Reason: err.Error()}
	}
	rule.re = re
	return rule, nil
}

// translatePattern converts glob syntax into a regular expression body.
func translatePattern(pat string) (string, error) {
	var b strings.Builder
	runes := []rune(pat)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '\\':
			i++
			if i >= len(runes) {
				return "", fmt.Errorf("trailing escape character")
			}
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			next, err := translateClass(runes, i+1, &b)
			if err != nil {
				return "", err
			}
			i = next
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String(), nil
}

// translateClass writes the bracket expression starting after "[" at runes[start]
// and returns the index of its closing "]".
func translateClass(runes []rune, start int, b *strings.Builder) (int, error) {
	i := start
	if i >= len(runes) {
		return 0, fmt.Errorf("unterminated character class")
	}

	// "[]" is an empty class and contributes nothing.
	if runes[i] == ']' {
		return i, nil
	}

	var class strings.Builder
	class.WriteByte('[')
	if runes[i] == '!' {
		class.WriteByte('^')
		i++
		if i >= len(runes) {
			return 0, fmt.Errorf("unterminated character class")
		}
		if runes[i] == ']' {
			return 0, fmt.Errorf("empty negated character class")
		}
	}
	if runes[i] == '-' {
		return 0, fmt.Errorf("character class starts with a range operator")
	}

	// members counts literals since the last range, so "a-b-c" is rejected.
	members := 0
	afterRange := false
	for ; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case ']':
			if afterRange {
				return 0, fmt.Errorf("range operator without upper bound")
			}
			class.WriteByte(']')
			b.WriteString(class.String())
			return i, nil
		case '-':
			if afterRange || members == 0 {
				return 0, fmt.Errorf("misplaced range operator")
			}
			class.WriteByte('-')
			afterRange = true
			members = 0
			continue
		case '\\':
			i++
			if i >= len(runes) {
				return 0, fmt.Errorf("trailing escape character")
			}
			c = runes[i]
		}
		class.WriteString(classLiteral(c))
		if afterRange {
			afterRange = false
			members = 0
			// a completed range cannot start another one
			if i+1 < len(runes) && runes[i+1] == '-' {
				return 0, fmt.Errorf("chained range operator")
			}
			continue
		}
		members++
	}
	return 0, fmt.Errorf("unterminated character class")
}

// classLiteral escapes characters that are special inside a regexp class.
func classLiteral(c rune) string {
	switch c {
	case '\\', ']', '[', '^', '-':
		return `\` + string(c)
	}
	return string(c)
}

// RuleSet is an ordered list of rules. Later rules win.
type RuleSet []*IgnoreRule

// Ignored reports whether path should be skipped.
//
// Rules are applied in order. Once a non-negated rule matched, only negated
// rules are consulted. A matching DirOnly rule settles the outcome and stops
// evaluation, so nothing later can re-include the directory.
func (rs RuleSet) Ignored(path string, isDir bool) bool {
	path = normalizePath(path)
	matched := false

	for _, r := range rs {
		if r.DirOnly && !isDir {
			continue
		}
		if matched && !r.Negated {
			continue
		}
		if !r.Match(path) {
			continue
		}
		matched = !r.Negated
		if r.DirOnly {
			break
		}
	}
	return matched
}

// Inherited returns the rules that propagate into subdirectories.
func (rs RuleSet) Inherited() RuleSet {
	out := make(RuleSet, 0, len(rs))
	for _, r := range rs {
		if !r.RootOnly {
			out = append(out, r)
		}
	}
	return out
}

// ParseRules reads an ignore file from r. Lines that fail to compile are
// returned in invalid and otherwise dropped. err is only set for read failures.
func ParseRules(r io.Reader, source, basePath string) (rules RuleSet, invalid []*PatternSyntaxError, err error) {
	s := bufio.NewScanner(r)
	lineNo := 0

	for s.Scan() {
		lineNo++
		line := strings.TrimRight(s.Text(), "\r")
		line = trimTrailingSpaces(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, cerr := CompileRule(line, basePath)
		if cerr != nil {
			perr, ok := cerr.(*PatternSyntaxError)
			if !ok {
				perr = &PatternSyntaxError{Pattern: line, Reason: cerr.Error()}
			}
			perr.Source = source
			perr.Line = lineNo
			invalid = append(invalid, perr)
			continue
		}
		rules = append(rules, rule)
	}

	if err := s.Err(); err != nil {
		return nil, invalid, fmt.Errorf("scan rules: %w", err)
	}
	return rules, invalid, nil
}

// ParseRulesString parses rules from string input.
func ParseRulesString(src, basePath string) (RuleSet, []*PatternSyntaxError) {
	rules, invalid, _ := ParseRules(strings.NewReader(src), "", basePath)
	return rules, invalid
}

// trimTrailingSpaces removes trailing spaces unless escaped by "\".
func trimTrailingSpaces(s string) string {
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		if len(s) >= 2 && s[len(s)-2] == '\\' {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// normalizePath converts to forward slashes and drops a trailing separator
// unless the path is a volume root.
func normalizePath(p string) string {
	p = filepath.ToSlash(p)
	for len(p) > 1 && strings.HasSuffix(p, "/") && !strings.HasSuffix(p, ":/") {
		p = p[:len(p)-1]
	}
	return p
}
