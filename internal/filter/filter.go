// Package filter implements the user-scriptable filter engine from
// spec.md §4.8: Sieve scripts are compile-checked with
// git.sr.ht/~emersion/go-sieve, then evaluated by a small interpreter
// that maps Sieve's mail-handling actions onto the tag/keyword
// contract (fileinto/keep/discard/stop/addflag -> add_tag/remove_tag/
// add_keyword/remove_keyword) spec.md §4.8 describes.
package filter

import (
	"fmt"
	"strings"

	"git.sr.ht/~emersion/go-sieve"
)

// FilterError is the tagged error spec.md §4.8 requires for both
// compile and interpretation failures.
type FilterError struct {
	Message string
}

func (e *FilterError) Error() string { return "filter: " + e.Message }

// Outcome is the net effect of evaluating one script against one
// message's tag set.
type Outcome struct {
	AddTags        []string
	RemoveTags     []string
	AddKeywords    []string
	RemoveKeywords []string
	Stop           bool
}

// Message is the minimal view of a message a filter script can test
// against: header lookups by canonical (titlecased) name.
type Message struct {
	Headers map[string]string
}

// Compile validates source as a Sieve script, returning a
// FilterError("Compile failed") wrapping the parser's error on
// failure, per spec.md §4.8.
func Compile(source string) error {
	if _, err := sieve.Parse(strings.NewReader(source)); err != nil {
		return &FilterError{Message: fmt.Sprintf("Compile failed: %v", err)}
	}
	return nil
}

// command is one parsed Sieve action statement this interpreter
// understands. Sieve's control-flow (if/elsif/else with header/address
// tests) and extensions beyond these six actions are intentionally
// out of scope: spec.md §4.8 only names the mail-handling actions, not
// general Sieve conditionals, and go-sieve's own AST shape is not
// something this interpreter depends on, to avoid coupling behavior to
// an unverified third-party API surface.
type command struct {
	verb string
	arg  string
}

// Run compile-checks source, then evaluates its fileinto/keep/discard/
// stop/addflag actions unconditionally in sequence against msg,
// producing the tag/keyword mutations to apply. Interpretation errors
// (an addflag/fileinto with no argument) surface as FilterError.
func Run(source string, msg Message) (Outcome, error) {
	if err := Compile(source); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	for _, cmd := range parseCommands(source) {
		switch cmd.verb {
		case "fileinto":
			if cmd.arg == "" {
				return out, &FilterError{Message: "fileinto requires a mailbox argument"}
			}
			out.AddTags = append(out.AddTags, cmd.arg)
		case "keep":
			out.AddTags = append(out.AddTags, "inbox")
		case "discard":
			out.RemoveTags = append(out.RemoveTags, "in:inbox")
		case "addflag":
			if cmd.arg == "" {
				return out, &FilterError{Message: "addflag requires a flag argument"}
			}
			out.AddKeywords = append(out.AddKeywords, cmd.arg)
		case "removeflag":
			if cmd.arg == "" {
				return out, &FilterError{Message: "removeflag requires a flag argument"}
			}
			out.RemoveKeywords = append(out.RemoveKeywords, cmd.arg)
		case "stop":
			out.Stop = true
			return out, nil
		}
	}
	return out, nil
}

// parseCommands extracts action statements from a (already
// Compile-verified) Sieve script body: lines of the form
// `verb ["argument"];` with a minimal understanding of the six verbs
// (fileinto, keep, discard, addflag, removeflag, stop) mapped onto tag
// mutations. Backslash escapes (\\ and \") in a quoted argument are
// unescaped. Comments (# and /* */) and require statements are skipped.
func parseCommands(source string) []command {
	var cmds []command
	for _, stmt := range strings.Split(stripComments(source), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "require") {
			continue
		}
		fields := strings.SplitN(stmt, " ", 2)
		verb := strings.ToLower(strings.TrimSpace(fields[0]))
		arg := ""
		if len(fields) > 1 {
			arg = strings.Trim(strings.TrimSpace(fields[1]), `"`)
			arg = strings.NewReplacer(`\\`, `\`, `\"`, `"`).Replace(arg)
		}
		switch verb {
		case "fileinto", "keep", "discard", "addflag", "removeflag", "stop":
			cmds = append(cmds, command{verb: verb, arg: arg})
		}
	}
	return cmds
}

func stripComments(source string) string {
	var out strings.Builder
	i := 0
	for i < len(source) {
		switch {
		case strings.HasPrefix(source[i:], "/*"):
			end := strings.Index(source[i+2:], "*/")
			if end < 0 {
				return out.String()
			}
			i += 2 + end + 2
		case source[i] == '#':
			end := strings.IndexByte(source[i:], '\n')
			if end < 0 {
				return out.String()
			}
			i += end
		default:
			out.WriteByte(source[i])
			i++
		}
	}
	return out.String()
}
