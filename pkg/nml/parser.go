package nml

import (
	"strings"
)

// DefaultComment starts a comment line.
const DefaultComment = '#'

// Line keywords.
const (
	KeywordBuffer  = "B"
	KeywordProcess = "P"
	KeywordServer  = "S"
)

// Line is one tokenized configuration line.
type Line struct {
	Keyword string
	Tag     string
	// Fields holds the positional tokens after the tag.
	Fields []string
	// Options holds trailing key=value tokens.
	Options map[string]string
}

// ParseLine tokenizes one configuration line. Blank lines and lines whose
// first non-blank character is comment return ok == false and no error.
func ParseLine(line string, comment byte) (Line, bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == comment {
		return Line{}, false, nil
	}

	tokens := strings.Fields(trimmed)
	keyword := tokens[0]
	if keyword != KeywordBuffer && keyword != KeywordProcess && keyword != KeywordServer {
		return Line{}, false, malformed("", "unknown keyword %q", keyword)
	}
	if len(tokens) < 2 {
		return Line{}, false, malformed(keyword, "missing name")
	}

	l := Line{Keyword: keyword, Tag: tokens[1]}
	for _, tok := range tokens[2:] {
		k, v, isOpt := strings.Cut(tok, "=")
		if !isOpt {
			if l.Options != nil {
				return Line{}, false, malformed(keyword, "positional field %q after options", tok)
			}
			l.Fields = append(l.Fields, tok)
			continue
		}
		if k == "" {
			return Line{}, false, malformed(keyword, "option %q has no key", tok)
		}
		if l.Options == nil {
			l.Options = make(map[string]string)
		}
		l.Options[strings.ToLower(k)] = v
	}

	want, err := arity(l)
	if err != nil {
		return Line{}, false, err
	}
	if len(l.Fields) != want {
		return Line{}, false, malformed(keyword, "%s: want %d fields, got %d", l.Tag, want, len(l.Fields))
	}
	return l, true, nil
}

// arity returns the number of positional fields the line must carry.
func arity(l Line) (int, error) {
	switch l.Keyword {
	case KeywordBuffer:
		return 3, nil
	case KeywordServer:
		return 1, nil
	case KeywordProcess:
		if len(l.Fields) == 0 {
			return 0, malformed(l.Keyword, "%s: missing transport kind", l.Tag)
		}
		kind, err := ParseTransportKind(l.Fields[0])
		if err != nil {
			return 0, malformed(l.Keyword, "%s: %v", l.Tag, err)
		}
		return 1 + kind.params(), nil
	}
	return 0, malformed("", "unknown keyword %q", l.Keyword)
}
