package smtp

import (
	"fmt"
	"strings"
)

// Kind distinguishes the SMTP commands this server understands. It is
// the Go rendering of the original RequestType sum type.
type Kind int

const (
	KindEHLO Kind = iota
	KindSTARTTLS
	KindAuthPlain
	KindRegister
	KindMailFrom
	KindRcptTo
	KindData
	KindQuit
	KindHelp
	KindNoop
	KindRset
)

var kindNames = map[Kind]string{
	KindEHLO:      "EHLO",
	KindSTARTTLS:  "STARTTLS",
	KindAuthPlain: "AUTH PLAIN",
	KindRegister:  "REGISTER",
	KindMailFrom:  "MAIL FROM",
	KindRcptTo:    "RCPT TO",
	KindData:      "DATA",
	KindQuit:      "QUIT",
	KindHelp:      "HELP",
	KindNoop:      "NOOP",
	KindRset:      "RSET",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Request is a parsed SMTP command line: a command Kind plus the single
// argument that command carries, if any (EHLO's domain, AUTH PLAIN's
// base64 blob, MAIL FROM/RCPT TO's address). Commands with no argument
// leave Arg empty.
type Request struct {
	Kind Kind
	Arg  string
}

// String renders the request back to a command token, used to check the
// parser's round-trip-at-the-token-level invariant: for any line that
// parses without error, this begins with the same command word the
// input line did, except that a HELO line renders as "EHLO".
func (r Request) String() string {
	switch r.Kind {
	case KindEHLO:
		return "EHLO " + r.Arg
	case KindSTARTTLS:
		return "STARTTLS"
	case KindAuthPlain:
		return "AUTH PLAIN " + r.Arg
	case KindRegister:
		return "REGISTER " + r.Arg
	case KindMailFrom:
		return fmt.Sprintf("MAIL FROM:<%s>", r.Arg)
	case KindRcptTo:
		return fmt.Sprintf("RCPT TO:<%s>", r.Arg)
	default:
		return r.Kind.String()
	}
}

// Parse turns one trimmed command line into a Request. It dispatches by
// known command prefix in a fixed order — EHLO/HELO, STARTTLS, AUTH
// PLAIN, REGISTER, MAIL FROM, RCPT TO, then the bare no-argument
// commands — exactly the order the original request_parser crate checks
// them in, since a prefix collision (e.g. "REGISTER" vs "REGISTER " with
// no argument) is resolved by that order.
func Parse(line string) (Request, error) {
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(trimmed, "EHLO "):
		return parseWithArg(trimmed, "EHLO ", KindEHLO)
	case strings.HasPrefix(trimmed, "HELO "):
		return parseWithArg(trimmed, "HELO ", KindEHLO)
	case trimmed == "EHLO" || trimmed == "HELO":
		return Request{}, fmt.Errorf("Could not parse the argument for the command: %s", trimmed)

	case strings.HasPrefix(trimmed, "STARTTLS"):
		return Request{Kind: KindSTARTTLS}, nil

	case strings.HasPrefix(trimmed, "AUTH PLAIN "):
		return parseWithArg(trimmed, "AUTH PLAIN ", KindAuthPlain)
	case trimmed == "AUTH PLAIN":
		return Request{}, fmt.Errorf("Could not parse the argument for the command: AUTH PLAIN")

	case strings.HasPrefix(trimmed, "REGISTER "):
		return parseWithArg(trimmed, "REGISTER ", KindRegister)
	case trimmed == "REGISTER":
		return Request{}, fmt.Errorf("Could not parse the argument for the command: REGISTER")

	case strings.HasPrefix(trimmed, "MAIL FROM:"):
		return parseAngleAddr(trimmed, "MAIL FROM:", KindMailFrom)

	case strings.HasPrefix(trimmed, "RCPT TO:"):
		return parseAngleAddr(trimmed, "RCPT TO:", KindRcptTo)

	case trimmed == "DATA":
		return Request{Kind: KindData}, nil
	case trimmed == "QUIT":
		return Request{Kind: KindQuit}, nil
	case trimmed == "HELP":
		return Request{Kind: KindHelp}, nil
	case trimmed == "NOOP":
		return Request{Kind: KindNoop}, nil
	case trimmed == "RSET":
		return Request{Kind: KindRset}, nil

	default:
		return Request{}, fmt.Errorf("Could not parse the SMTP command")
	}
}

func parseWithArg(line, prefix string, kind Kind) (Request, error) {
	arg := strings.TrimSpace(line[len(prefix):])
	if arg == "" {
		return Request{}, fmt.Errorf("Could not parse the argument for the command: %s", strings.TrimSpace(prefix))
	}
	return Request{Kind: kind, Arg: arg}, nil
}

// parseAngleAddr extracts the address between '<' and '>' following
// prefix, e.g. "MAIL FROM:<a@x>" -> "a@x". An unterminated or empty
// angle-bracket pair is a parse error.
func parseAngleAddr(line, prefix string, kind Kind) (Request, error) {
	rest := line[len(prefix):]
	open := strings.IndexByte(rest, '<')
	if open == -1 {
		return Request{}, fmt.Errorf("Could not parse the argument for the command: %s", strings.TrimSpace(prefix))
	}
	closeIdx := strings.IndexByte(rest[open+1:], '>')
	if closeIdx == -1 {
		return Request{}, fmt.Errorf("Could not parse the argument for the command: %s", strings.TrimSpace(prefix))
	}
	addr := rest[open+1 : open+1+closeIdx]
	return Request{Kind: kind, Arg: addr}, nil
}
