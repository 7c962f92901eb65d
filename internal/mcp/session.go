package mcp

import (
	"log/slog"
	"sync"
)

// DefaultProtocolVersion is assumed when an initialize result carries no
// protocolVersion field.
const DefaultProtocolVersion = "2024-11-05"

// Session and protocol headers of the streamable HTTP transport.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

// session holds the negotiated session identity for one transport
// instance. The generation counter rejects stale writes: Close and each
// new initialize attempt bump it, and an initialize completion only
// commits when the generation it started under is still current.
type session struct {
	logger *slog.Logger

	mu         sync.Mutex
	id         string
	version    string
	generation uint64
}

// headers returns the session headers to attach to a request, or nil
// when no session is established.
func (s *session) headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		return nil
	}
	h := map[string]string{headerSessionID: s.id}
	if s.version != "" {
		h[headerProtocolVersion] = s.version
	}
	return h
}

// beginInitialize prepares for a new initialize attempt: any previously
// held session identity is cleared (the protocol forbids presenting a
// stale session id while negotiating a new one) and the generation is
// bumped. Returns the generation the attempt runs under.
func (s *session) beginInitialize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		s.logger.Warn("clearing existing session before re-initialization",
			"protocol_version", s.version,
		)
	}
	s.id = ""
	s.version = ""
	s.generation++
	return s.generation
}

// commit records a negotiated session id and protocol version, but only
// if gen is still the current generation. Returns false when the attempt
// was superseded and its result discarded.
func (s *session) commit(gen uint64, id, version string) bool {
	if version == "" {
		version = DefaultProtocolVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return false
	}
	s.id = id
	s.version = version
	return true
}

// clear tears the session down: the generation is bumped (invalidating
// any in-flight initialize) and the identity is cleared. Returns the old
// session id so the caller can send a best-effort termination request.
func (s *session) clear() (id string, hadSession bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = s.id
	hadSession = id != ""
	s.id = ""
	s.version = ""
	s.generation++
	return id, hadSession
}

// snapshot returns the current session id and protocol version.
func (s *session) snapshot() (id, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.version
}
