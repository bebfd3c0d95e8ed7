package dockerfile

import (
	"regexp"
	"strings"
	"unicode"
)

const backtick = "`"

// A bash word: an unquoted run with backslash escapes, or one quoted span.
// Double-quoted and backtick spans honour backslash escapes, single-quoted
// spans do not. Quotes are kept in the matched text.
var (
	quotedPattern = `(?:"(?:[^"\\]|\\.)*")` +
		`|(?:'[^']*')` +
		`|(?:` + backtick + `(?:[^` + backtick + `\\]|\\.)*` + backtick + `)`

	argPattern    = `((?:[^\s"'` + backtick + `\\]|(?:\\.))+|` + quotedPattern + `)`
	lvaluePattern = `((?:[^\s"'` + backtick + `\\=]|(?:\\.))+|` + quotedPattern + `)`

	// KEY=VALUE, KEY = VALUE or KEY VALUE.
	assignmentPattern = lvaluePattern + `(?:(?:\s*=\s*)|\s+)` + argPattern
)

var (
	skipRe       = regexp.MustCompile(`^\s*#\s*AWS-SKIP.*$`)
	commentRe    = regexp.MustCompile(`^\s*#.*$`)
	envRe        = regexp.MustCompile(`(?i)^\s*ENV\s+(` + assignmentPattern + `(?:\s+` + assignmentPattern + `)*)\s*$`)
	envBodyRe    = regexp.MustCompile(`(?i)^\s*ENV\s+(.+)$`)
	assignmentRe = regexp.MustCompile(assignmentPattern)
	runRe        = regexp.MustCompile(`(?i)^\s*RUN\s+(\S.*?)\s*$`)
	copyRe       = regexp.MustCompile(`(?i)^\s*COPY\s+` + argPattern + `\s+` + argPattern + `\s*\\?\s*$`)
	addRe        = regexp.MustCompile(`(?i)^\s*ADD\s+` + argPattern + `\s+` + argPattern + `\s*\\?\s*$`)
	workdirRe    = regexp.MustCompile(`(?i)^\s*WORKDIR\s+` + argPattern + `\s*\\?\s*$`)
	archiveRe    = regexp.MustCompile(`.*\.(tgz|tar|tar\.gz|tar\.bz|tar\.xz)$`)
)

// Matches URLs, see https://daringfireball.net/2010/07/improved_regex_for_matching_urls
var urlRe = regexp.MustCompile(`(?i)^\b((?:[a-z][\w-]+:(?:/{1,3}|[a-z0-9%])|www\d{0,3}[.]|[a-z0-9.\-]+[.][a-z]{2,4}/)` +
	`(?:[^\s()<>]+|\(([^\s()<>]+|(\([^\s()<>]+\)))*\))+` +
	`(?:\(([^\s()<>]+|(\([^\s()<>]+\)))*\)|[^\s` + backtick + `!()\[\]{};:'".,<>?«»“”‘’]))`)

// isSkip reports whether line is an AWS-SKIP marker. The marker is case
// sensitive.
func isSkip(line string) bool {
	return skipRe.MatchString(line)
}

// isComment reports whether line is blank or a comment.
func isComment(line string) bool {
	return strings.TrimSpace(line) == "" || commentRe.MatchString(line)
}

// continuation strips an unescaped trailing backslash together with the
// whitespace around it and reports whether the line continues on the next
// one.
func continuation(line string) (string, bool) {
	trimmed := strings.TrimRightFunc(line, unicode.IsSpace)
	n := 0
	for i := len(trimmed) - 1; i >= 0 && trimmed[i] == '\\'; i-- {
		n++
	}
	if n%2 == 0 {
		return line, false
	}
	return strings.TrimRightFunc(trimmed[:len(trimmed)-1], unicode.IsSpace), true
}

// assignments returns the KEY/VALUE pairs of an ENV line, left to right. It
// returns nil when the line is not a well-formed ENV instruction.
func assignments(line string) [][2]string {
	if !envRe.MatchString(line) {
		return nil
	}
	body := envBodyRe.FindStringSubmatch(line)[1]
	var pairs [][2]string
	for _, m := range assignmentRe.FindAllStringSubmatch(body, -1) {
		pairs = append(pairs, [2]string{m[1], m[2]})
	}
	return pairs
}

// IsQuoted reports whether s is wrapped in a matching pair of single or
// double quotes.
func IsQuoted(s string) bool {
	return len(s) > 2 &&
		((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"'))
}

// Unquote strips one pair of surrounding single or double quotes.
func Unquote(s string) string {
	if IsQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

// IsURL reports whether the ADD source s is a URL.
func IsURL(s string) bool {
	return urlRe.MatchString(Unquote(s))
}

// IsArchive reports whether the ADD source s names a tarball that should be
// unpacked rather than copied.
func IsArchive(s string) bool {
	return archiveRe.MatchString(Unquote(s))
}
