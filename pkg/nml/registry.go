package nml

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bft-labs/rtcms/pkg/log"
)

// ErrorPolicy decides what a load does with a malformed line.
type ErrorPolicy int

const (
	// Abort rolls back the whole load on the first bad line.
	Abort ErrorPolicy = iota
	// SkipInvalid logs bad lines and loads the rest. Cross-file name
	// collisions still abort.
	SkipInvalid
)

// Option configures a registry or catalog.
type Option func(*options)

type options struct {
	comment byte
	policy  ErrorPolicy
	logger  log.Logger
}

func defaultOptions() options {
	return options{
		comment: DefaultComment,
		policy:  Abort,
		logger:  log.NewNoopLogger(),
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = log.OrNoop(o.logger)
	return o
}

// WithComment sets the comment character. Default '#'.
func WithComment(c byte) Option {
	return func(o *options) { o.comment = c }
}

// WithErrorPolicy sets how malformed lines are handled. Default Abort.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger used for skipped lines and load summaries.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// numberedLine is a parsed line with its 1-based position in the file.
type numberedLine struct {
	Line
	number int
}

// readLines parses every line of path. Under Abort the first malformed line
// fails the read; under SkipInvalid it is logged and dropped.
func readLines(path string, o options) ([]numberedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Kind: Invalid, File: path, Reason: "open", Err: err}
	}
	defer f.Close()

	var out []numberedLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		l, ok, err := ParseLine(sc.Text(), o.comment)
		if err != nil {
			if o.policy == SkipInvalid {
				o.logger.Warn("skipping malformed line",
					log.String("file", path), log.Int("line", n), log.Err(err))
				continue
			}
			return nil, &ConfigError{Kind: Invalid, File: path, Line: n, Reason: "parse", Err: err}
		}
		if ok {
			out = append(out, numberedLine{Line: l, number: n})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ConfigError{Kind: Invalid, File: path, Line: n, Reason: "read", Err: err}
	}
	return out, nil
}

// canonicalPath keys registries so that "./a.nml" and "a.nml" are one file.
func canonicalPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// entry is one named value a file contributes.
type entry[T any] struct {
	name  string
	line  int
	value T
}

// collect converts the lines matching keyword and rejects names repeated
// inside the same file.
func collect[T any](path, keyword string, lines []numberedLine, o options, conv func(Line, int) (T, error)) ([]entry[T], error) {
	var out []entry[T]
	seen := make(map[string]int)
	for _, l := range lines {
		if l.Keyword != keyword {
			continue
		}
		v, err := conv(l.Line, l.number)
		if err == nil {
			if first, dup := seen[l.Tag]; dup {
				err = fmt.Errorf("%q already defined at line %d", l.Tag, first)
			}
		}
		if err != nil {
			if o.policy == SkipInvalid {
				o.logger.Warn("skipping invalid line",
					log.String("file", path), log.Int("line", l.number), log.Err(err))
				continue
			}
			return nil, &ConfigError{Kind: Invalid, File: path, Line: l.number, Name: l.Tag, Err: err}
		}
		seen[l.Tag] = l.number
		out = append(out, entry[T]{name: l.Tag, line: l.number, value: v})
	}
	return out, nil
}

// snapshot is an immutable generation of one registry table. Writers build a
// new snapshot and publish it; readers never see a partially applied load.
type snapshot[T any] struct {
	byName map[string]T
	owner  map[string]string
	files  map[string][]string
}

func emptySnapshot[T any]() *snapshot[T] {
	return &snapshot[T]{
		byName: map[string]T{},
		owner:  map[string]string{},
		files:  map[string][]string{},
	}
}

// without returns a copy of s minus every name file contributed.
func (s *snapshot[T]) without(file string) *snapshot[T] {
	next := &snapshot[T]{
		byName: make(map[string]T, len(s.byName)),
		owner:  make(map[string]string, len(s.owner)),
		files:  make(map[string][]string, len(s.files)),
	}
	for name, v := range s.byName {
		if s.owner[name] == file {
			continue
		}
		next.byName[name] = v
		next.owner[name] = s.owner[name]
	}
	for f, names := range s.files {
		if f != file {
			next.files[f] = names
		}
	}
	return next
}

// with returns a copy of s where file contributes exactly entries. Names
// owned by another file fail with DuplicateName and leave s untouched.
func (s *snapshot[T]) with(file, what string, entries []entry[T]) (*snapshot[T], error) {
	next := s.without(file)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if other, taken := next.owner[e.name]; taken {
			return nil, &ConfigError{
				Kind:   DuplicateName,
				File:   file,
				Line:   e.line,
				Name:   e.name,
				Reason: fmt.Sprintf("%s %q already defined in %s", what, e.name, other),
			}
		}
		next.byName[e.name] = e.value
		next.owner[e.name] = file
		names = append(names, e.name)
	}
	next.files[file] = names
	return next, nil
}

func (s *snapshot[T]) has(file string) bool {
	_, ok := s.files[file]
	return ok
}

func (s *snapshot[T]) sortedValues() []T {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]T, 0, len(names))
	for _, n := range names {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *snapshot[T]) sortedFiles() []string {
	out := make([]string, 0, len(s.files))
	for f := range s.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func notLoaded(file string) error {
	return &ConfigError{Kind: NotLoaded, File: file}
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
