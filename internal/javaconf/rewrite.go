package javaconf

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrFileRead  = errors.New("failed to read config file")
	ErrFileWrite = errors.New("failed to write config file")
)

// Report describes the outcome of applying a set of rules to one document.
type Report struct {
	// Matches counts replacements per rule name. Rules which matched nothing
	// are present with a zero count.
	Matches map[string]int
	Changed bool
}

// Unmatched lists the names of rules which matched nothing.
func (r Report) Unmatched() []string {
	var out []string
	for name, n := range r.Matches {
		if n == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Rewrite applies 'rules' in order to 'content'.
func Rewrite(content string, rules []Rule) (string, Report) {
	report := Report{Matches: make(map[string]int, len(rules))}
	out := content
	for _, r := range rules {
		n := len(r.Pattern.FindAllStringIndex(out, -1))
		report.Matches[r.Name] += n
		if n > 0 {
			out = r.Pattern.ReplaceAllString(out, r.Replacement)
		}
	}
	report.Changed = out != content
	return out, report
}

// RewriteFile applies 'rules' to the file at 'path', writing it back (with
// its original permissions) only when the content changed.
func RewriteFile(path string, rules []Rule) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrFileRead, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrFileRead, err)
	}

	out, report := Rewrite(string(data), rules)
	if !report.Changed {
		return report, nil
	}
	if err := os.WriteFile(path, []byte(out), info.Mode().Perm()); err != nil {
		return report, fmt.Errorf("%w: %w", ErrFileWrite, err)
	}
	return report, nil
}

var javaEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// quoteJava renders 'v' as a Java string literal usable as a regexp
// replacement.
func quoteJava(v string) string {
	return escapeExpand(`"` + javaEscaper.Replace(v) + `"`)
}

// escapeExpand protects '$' from regexp.Expand.
func escapeExpand(v string) string {
	return strings.ReplaceAll(v, "$", "$$")
}
