package nml

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// BufferLine is the definition of one CMS buffer.
type BufferLine struct {
	Name            string `yaml:"name" toml:"name"`
	BufferSize      int    `yaml:"buffer_size" toml:"buffer_size"`
	MaxQueueLength  int    `yaml:"max_queue_length" toml:"max_queue_length"`
	NeutralEncoding bool   `yaml:"neutral_encoding" toml:"neutral_encoding"`
	// Firmware names a blob a server seeds the buffer with.
	Firmware   string `yaml:"firmware,omitempty" toml:"firmware,omitempty"`
	SourceFile string `yaml:"source_file" toml:"source_file"`
	LineNumber int    `yaml:"line" toml:"line"`
}

// BufferLineFrom converts a parsed B line.
func BufferLineFrom(l Line) (BufferLine, error) {
	if l.Keyword != KeywordBuffer {
		return BufferLine{}, malformed(l.Keyword, "not a buffer line")
	}
	if len(l.Fields) < 3 {
		return BufferLine{}, malformed(l.Keyword, "%s: want 3 fields, got %d", l.Tag, len(l.Fields))
	}
	size, err := strconv.Atoi(l.Fields[0])
	if err != nil || size <= 0 {
		return BufferLine{}, malformed(l.Keyword, "%s: buffer size %q must be a positive integer", l.Tag, l.Fields[0])
	}
	depth, err := strconv.Atoi(l.Fields[1])
	if err != nil || depth < 1 {
		return BufferLine{}, malformed(l.Keyword, "%s: queue depth %q must be at least 1", l.Tag, l.Fields[1])
	}
	neutral, err := parseFlag(l.Fields[2])
	if err != nil {
		return BufferLine{}, malformed(l.Keyword, "%s: neutral encoding: %v", l.Tag, err)
	}
	return BufferLine{
		Name:            l.Tag,
		BufferSize:      size,
		MaxQueueLength:  depth,
		NeutralEncoding: neutral,
		Firmware:        l.Options["firmware"],
	}, nil
}

// TransportKind identifies a transport backend.
type TransportKind int

const (
	KindShmem TransportKind = iota + 1
	KindLocal
	KindTCP
)

func (k TransportKind) String() string {
	switch k {
	case KindShmem:
		return "SHMEM"
	case KindLocal:
		return "LOCAL"
	case KindTCP:
		return "TCP"
	default:
		return "UNKNOWN"
	}
}

// params is the number of positional parameters after the kind token.
func (k TransportKind) params() int {
	switch k {
	case KindShmem:
		return 1
	case KindTCP:
		return 2
	default:
		return 0
	}
}

// ParseTransportKind accepts SHMEM, LOCAL, TCP and REMOTE, in any case.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToUpper(s) {
	case "SHMEM":
		return KindShmem, nil
	case "LOCAL":
		return KindLocal, nil
	case "TCP", "REMOTE":
		return KindTCP, nil
	}
	return 0, fmt.Errorf("unknown transport kind %q", s)
}

// Transport is the transport half of a process line. It is one of Shmem,
// Local or TCP.
type Transport interface {
	Kind() TransportKind
	String() string
	isTransport()
}

// Shmem is a shared-memory segment identified by an integer key.
type Shmem struct {
	Key int64
}

// Local is an in-process buffer with no cross-process visibility.
type Local struct{}

// TCP is a socket transport. The server binds Port, clients dial Host:Port.
type TCP struct {
	Host string
	Port int
}

func (Shmem) Kind() TransportKind { return KindShmem }
func (Local) Kind() TransportKind { return KindLocal }
func (TCP) Kind() TransportKind   { return KindTCP }

func (s Shmem) String() string { return fmt.Sprintf("SHMEM %d", s.Key) }
func (Local) String() string   { return "LOCAL" }
func (t TCP) String() string   { return "TCP " + t.Addr() }

// Addr returns host:port.
func (t TCP) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

func (Shmem) isTransport() {}
func (Local) isTransport() {}
func (TCP) isTransport()   {}

// ProcessLine binds a buffer to a transport.
type ProcessLine struct {
	Name        string    `yaml:"name" toml:"name"`
	BufferName  string    `yaml:"buffer" toml:"buffer"`
	Transport   Transport `yaml:"-" toml:"-"`
	SetToServer bool      `yaml:"server" toml:"server"`
	SetToMaster bool      `yaml:"master" toml:"master"`
	SourceFile  string    `yaml:"source_file" toml:"source_file"`
	LineNumber  int       `yaml:"line" toml:"line"`
}

// ProcessLineFrom converts a parsed P line.
func ProcessLineFrom(l Line) (ProcessLine, error) {
	if l.Keyword != KeywordProcess {
		return ProcessLine{}, malformed(l.Keyword, "not a process line")
	}
	if len(l.Fields) == 0 {
		return ProcessLine{}, malformed(l.Keyword, "%s: missing transport kind", l.Tag)
	}
	kind, err := ParseTransportKind(l.Fields[0])
	if err != nil {
		return ProcessLine{}, malformed(l.Keyword, "%s: %v", l.Tag, err)
	}
	if len(l.Fields) < 1+kind.params() {
		return ProcessLine{}, malformed(l.Keyword, "%s: want %d fields, got %d", l.Tag, 1+kind.params(), len(l.Fields))
	}

	p := ProcessLine{Name: l.Tag, BufferName: l.Tag}
	switch kind {
	case KindShmem:
		key, err := strconv.ParseInt(l.Fields[1], 0, 64)
		if err != nil || key <= 0 {
			return ProcessLine{}, malformed(l.Keyword, "%s: shared memory key %q must be a positive integer", l.Tag, l.Fields[1])
		}
		p.Transport = Shmem{Key: key}
	case KindLocal:
		p.Transport = Local{}
	case KindTCP:
		host := l.Fields[1]
		port, err := strconv.Atoi(l.Fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return ProcessLine{}, malformed(l.Keyword, "%s: port %q out of range", l.Tag, l.Fields[2])
		}
		p.Transport = TCP{Host: host, Port: port}
	}

	for k, v := range l.Options {
		switch k {
		case "buffer":
			if v == "" {
				return ProcessLine{}, malformed(l.Keyword, "%s: empty buffer option", l.Tag)
			}
			p.BufferName = v
		case "server":
			if p.SetToServer, err = parseFlag(v); err != nil {
				return ProcessLine{}, malformed(l.Keyword, "%s: server: %v", l.Tag, err)
			}
		case "master":
			if p.SetToMaster, err = parseFlag(v); err != nil {
				return ProcessLine{}, malformed(l.Keyword, "%s: master: %v", l.Tag, err)
			}
		default:
			return ProcessLine{}, malformed(l.Keyword, "%s: unknown option %q", l.Tag, k)
		}
	}
	return p, nil
}

// ServerOverride is an S line: it forces the server flag of a process line.
type ServerOverride struct {
	Name       string
	Server     bool
	SourceFile string
	LineNumber int
}

// ServerOverrideFrom converts a parsed S line.
func ServerOverrideFrom(l Line) (ServerOverride, error) {
	if l.Keyword != KeywordServer {
		return ServerOverride{}, malformed(l.Keyword, "not a server line")
	}
	if len(l.Fields) < 1 {
		return ServerOverride{}, malformed(l.Keyword, "%s: missing server flag", l.Tag)
	}
	on, err := parseFlag(l.Fields[0])
	if err != nil {
		return ServerOverride{}, malformed(l.Keyword, "%s: %v", l.Tag, err)
	}
	return ServerOverride{Name: l.Tag, Server: on}, nil
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("flag %q must be 0 or 1", s)
}
