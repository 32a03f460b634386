package exec

import "strings"

// Operator joins two segments of a command line.
type Operator string

const (
	OpNone       Operator = ""
	OpPipe       Operator = "|"
	OpAnd        Operator = "&&"
	OpOr         Operator = "||"
	OpSequence   Operator = ";"
	OpBackground Operator = "&"
)

// Segment is one simple command of a command line.
type Segment struct {
	Text string
	Argv []string
	// Joined is the operator between the previous segment and this one.
	Joined Operator
}

// Scan is the lexical shape of a command line. Scanning is quote aware but
// does not expand anything.
type Scan struct {
	Segments     []Segment
	Substitution bool
	Redirection  bool
	Subshell     bool
	Unterminated bool
	// Redirects holds output redirection targets.
	Redirects []string
}

// Piped reports whether segment i receives the output of segment i-1.
func (s Scan) Piped(i int) bool {
	return i > 0 && i < len(s.Segments) && s.Segments[i].Joined == OpPipe
}

// ScanCommand splits command into segments on unquoted control operators and
// records substitutions, redirections and subshells.
func ScanCommand(command string) Scan {
	var sc Scan
	var cur strings.Builder
	pending := OpNone
	inSingle, inDouble, escaped := false, false, false
	substDepth := 0

	flush := func(next Operator) {
		text := strings.TrimSpace(cur.String())
		cur.Reset()
		if text != "" {
			sc.Segments = append(sc.Segments, Segment{Text: text, Argv: Tokenize(text), Joined: pending})
		}
		pending = next
	}
	peek := func(i int) byte {
		if i+1 < len(command) {
			return command[i+1]
		}
		return 0
	}

	for i := 0; i < len(command); i++ {
		ch := command[i]

		if escaped {
			cur.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' && !inSingle {
			escaped = true
			cur.WriteByte(ch)
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteByte(ch)
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteByte(ch)
			continue
		}
		if !inSingle {
			if ch == ')' && substDepth > 0 {
				substDepth--
				cur.WriteByte(ch)
				continue
			}
			if ch == '`' {
				sc.Substitution = true
			}
			if ch == '$' && peek(i) == '(' {
				sc.Substitution = true
				substDepth++
				cur.WriteString("$(")
				i++
				continue
			}
		}
		if inSingle || inDouble {
			cur.WriteByte(ch)
			continue
		}

		switch ch {
		case '|':
			switch peek(i) {
			case '|':
				flush(OpOr)
				i++
			case '&':
				flush(OpPipe)
				i++
			default:
				flush(OpPipe)
			}
			continue
		case '&':
			if peek(i) == '&' {
				flush(OpAnd)
				i++
				continue
			}
			prev := byte(0)
			if i > 0 {
				prev = command[i-1]
			}
			if peek(i) != '>' && prev != '>' && prev != '<' {
				flush(OpBackground)
				continue
			}
		case ';', '\n', '\r':
			flush(OpSequence)
			continue
		case '(':
			sc.Subshell = true
		case ')':
			sc.Subshell = true
		case '<':
			sc.Redirection = true
		case '>':
			sc.Redirection = true
			if i > 0 && command[i-1] == '>' {
				break
			}
			if target := redirectTarget(command[i+1:]); target != "" {
				sc.Redirects = append(sc.Redirects, target)
			}
		}
		cur.WriteByte(ch)
	}

	if escaped || inSingle || inDouble || substDepth > 0 {
		sc.Unterminated = true
	}
	flush(OpNone)
	return sc
}

// redirectTarget extracts the word following a '>' operator.
func redirectTarget(rest string) string {
	rest = strings.TrimPrefix(rest, ">")
	rest = strings.TrimPrefix(rest, "|")
	if strings.HasPrefix(rest, "&") {
		// fd duplication such as 2>&1
		return ""
	}
	rest = strings.TrimLeft(rest, " \t")
	end := strings.IndexAny(rest, " \t|&;<>()\n\r")
	if end >= 0 {
		rest = rest[:end]
	}
	if words := Tokenize(rest); len(words) > 0 {
		return words[0]
	}
	return ""
}

// Tokenize splits a simple command into argv, removing quotes and escapes.
func Tokenize(segment string) []string {
	var tokens []string
	var current strings.Builder
	inSingle, inDouble, escaped := false, false, false
	started := false

	for i := 0; i < len(segment); i++ {
		ch := segment[i]

		if escaped {
			current.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' && !inSingle {
			escaped = true
			started = true
			continue
		}
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			started = true
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			started = true
			continue
		}
		if !inSingle && !inDouble && (ch == ' ' || ch == '\t') {
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
			continue
		}
		current.WriteByte(ch)
		started = true
	}

	if started {
		tokens = append(tokens, current.String())
	}
	return tokens
}
