package cms

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bft-labs/rtcms/pkg/nml"
)

// ServerClaim records that a channel serves a buffer over one transport kind.
type ServerClaim struct {
	Token   uuid.UUID         `json:"token"`
	Buffer  string            `json:"buffer"`
	Process string            `json:"process"`
	Kind    nml.TransportKind `json:"kind"`
	Since   time.Time         `json:"since"`
}

type serverKey struct {
	buffer string
	kind   nml.TransportKind
}

// ServerRegistry tracks which buffers this process serves so that a second
// server for the same buffer and transport kind is refused. A zero value is
// not usable; create one with NewServerRegistry.
type ServerRegistry struct {
	mu     sync.Mutex
	claims map[serverKey]ServerClaim
}

// NewServerRegistry creates an empty registry.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{claims: make(map[serverKey]ServerClaim)}
}

// Claim registers process as the server of buffer over kind. It fails with
// ErrAlreadyBound when another claim holds the pair.
func (r *ServerRegistry) Claim(buffer, process string, kind nml.TransportKind) (ServerClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := serverKey{buffer: buffer, kind: kind}
	if held, ok := r.claims[key]; ok {
		return ServerClaim{}, fmt.Errorf("%w: %s %s served by %s since %s",
			ErrAlreadyBound, kind, buffer, held.Process, held.Since.Format(time.RFC3339))
	}
	c := ServerClaim{
		Token:   uuid.New(),
		Buffer:  buffer,
		Process: process,
		Kind:    kind,
		Since:   time.Now(),
	}
	r.claims[key] = c
	return c, nil
}

// Release drops the claim with token. It reports whether a claim was removed.
func (r *ServerRegistry) Release(token uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.claims {
		if c.Token == token {
			delete(r.claims, k)
			return true
		}
	}
	return false
}

// Claims returns the current claims ordered by buffer then kind.
func (r *ServerRegistry) Claims() []ServerClaim {
	r.mu.Lock()
	out := make([]ServerClaim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Buffer != out[j].Buffer {
			return out[i].Buffer < out[j].Buffer
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
