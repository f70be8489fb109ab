// Package logparser turns raw LaTeX compiler transcripts into structured
// diagnostic entries. Parsing is a pure function of the text: the same input
// always yields the same output, so persisted logs can be re-parsed
// idempotently.
package logparser

import (
	"strconv"
	"strings"

	"github.com/texq/texq/internal/domain/model"
)

// fileStack tracks the currently-open source file via the nested-parenthesis
// bookkeeping LaTeX engines print. It is forgiving: unbalanced closes are
// ignored rather than guessed at.
type fileStack struct {
	files []string
}

func (s *fileStack) push(name string) {
	s.files = append(s.files, name)
}

func (s *fileStack) pop() {
	if len(s.files) > 0 {
		s.files = s.files[:len(s.files)-1]
	}
}

func (s *fileStack) current() string {
	if len(s.files) == 0 {
		return ""
	}
	return s.files[len(s.files)-1]
}

// lineLookahead bounds how far past a fatal error marker the parser searches
// for the "l.<n>" line-number line TeX prints.
const lineLookahead = 10

// Parse scans a raw compiler transcript line by line and classifies known
// patterns into error and warning entries. Lines affecting neither counter
// are emitted as info entries; callers may drop them. Malformed or truncated
// logs never cause a failure: on any ambiguity the parser emits nothing
// rather than guess a wrong line number.
func Parse(raw string) []model.ParsedLogEntry {
	if raw == "" {
		return nil
	}

	lines := strings.Split(raw, "\n")
	stack := &fileStack{}
	var entries []model.ParsedLogEntry

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		trackFiles(stack, line)

		switch {
		case strings.HasPrefix(line, "! "):
			entry := model.ParsedLogEntry{
				Type:    model.EntryError,
				File:    stack.current(),
				Message: strings.TrimSpace(line[2:]),
			}
			entry.Line = findErrorLine(lines, i+1)
			entries = append(entries, entry)

		case isWarning(line):
			entries = append(entries, model.ParsedLogEntry{
				Type:    model.EntryWarning,
				File:    stack.current(),
				Line:    inputLineNumber(line),
				Message: strings.TrimSpace(line),
			})

		case line != "":
			entries = append(entries, model.ParsedLogEntry{
				Type:    model.EntryInfo,
				File:    stack.current(),
				Message: line,
			})
		}
	}

	return entries
}

// Counts returns the number of error and warning entries.
func Counts(entries []model.ParsedLogEntry) (errorCount, warningCount int) {
	for _, e := range entries {
		switch e.Type {
		case model.EntryError:
			errorCount++
		case model.EntryWarning:
			warningCount++
		}
	}
	return errorCount, warningCount
}

// isWarning matches the warning shapes LaTeX engines print: the LaTeX kernel
// itself, packages, and document classes. Undefined references and citations
// arrive as "LaTeX Warning: Reference/Citation ... undefined" and are covered
// by the first case.
func isWarning(line string) bool {
	if strings.HasPrefix(line, "LaTeX Warning:") {
		return true
	}
	if strings.HasPrefix(line, "Package ") && strings.Contains(line, "Warning:") {
		return true
	}
	if strings.HasPrefix(line, "Class ") && strings.Contains(line, "Warning:") {
		return true
	}
	return false
}

// findErrorLine searches forward from start for the "l.<n>" marker TeX
// prints after a fatal error. Returns 0 when no unambiguous marker exists
// within the lookahead window.
func findErrorLine(lines []string, start int) int {
	end := start + lineLookahead
	if end > len(lines) {
		end = len(lines)
	}
	for i := start; i < end; i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "l.") {
			continue
		}
		rest := line[2:]
		digits := leadingDigits(rest)
		if digits == "" {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// inputLineNumber extracts the trailing "on input line <n>" reference from a
// warning, or 0 when absent or malformed.
func inputLineNumber(line string) int {
	const marker = "on input line "
	idx := strings.LastIndex(line, marker)
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSuffix(line[idx+len(marker):], ".")
	digits := leadingDigits(rest)
	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// trackFiles walks one line updating the open-file stack. A filename opens at
// "(" when the following run of characters looks like a path; any other "("
// still counts for nesting so the close parens stay balanced.
func trackFiles(stack *fileStack, line string) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(':
			name, consumed := scanFileName(line[i+1:])
			stack.push(name)
			i += consumed
		case ')':
			stack.pop()
		}
	}
}

// scanFileName reads a candidate filename after an opening paren. Returns the
// name (empty when the token does not look like a file) and how many bytes
// were consumed.
func scanFileName(s string) (string, int) {
	end := 0
	for end < len(s) {
		c := s[end]
		if c == ' ' || c == '(' || c == ')' {
			break
		}
		end++
	}
	token := s[:end]
	if looksLikeFile(token) {
		return token, end
	}
	return "", 0
}

// looksLikeFile applies the loose heuristic TeX transcripts allow: paths
// start with "/", "./", or a drive of word characters, and carry an
// extension dot.
func looksLikeFile(token string) bool {
	if token == "" {
		return false
	}
	if !strings.Contains(token, ".") {
		return false
	}
	if strings.HasPrefix(token, "/") || strings.HasPrefix(token, "./") {
		return true
	}
	c := token[0]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
