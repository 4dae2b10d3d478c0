// Package funcconfig loads the gateway's static function registry: the
// mapping from function names and gRPC (service, method) pairs to the
// stable numeric func_id/method_id pairs the rest of the gateway
// correlates on. The config is read once at startup and never mutated
// afterward; its raw bytes are echoed verbatim to launchers and workers
// in the handshake response.
package funcconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry describes one registered function.
type Entry struct {
	// FuncName is the HTTP-facing name, routed as POST /function/<name>.
	// Empty when the function is gRPC-only.
	FuncName string `json:"func_name"`
	// FuncID is the stable numeric identity packed into every FuncCall
	// for this function.
	FuncID uint16 `json:"func_id"`
	// GRPCService, when nonempty, registers this entry's methods for
	// lookup under that bare service name (see ByGRPCMethod).
	GRPCService string `json:"grpc_service,omitempty"`
	// Methods maps a gRPC method name to its method_id. Nil/empty for
	// HTTP-only functions, which implicitly use method_id 0.
	Methods map[string]uint16 `json:"methods,omitempty"`
}

// Config is the immutable, process-wide function registry.
type Config struct {
	raw        []byte
	byFuncName map[string]Entry
	byFuncID   map[uint16]Entry
	byGRPC     map[grpcKey]grpcTarget
}

type grpcKey struct {
	service string
	method  string
}

type grpcTarget struct {
	FuncID   uint16
	MethodID uint16
}

// file is the on-disk JSON shape: a flat list of entries.
type file struct {
	Functions []Entry `json:"functions"`
}

// Load reads and parses the function config at path. The raw bytes are
// retained so they can be echoed back verbatim during the handshake.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("funcconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw JSON bytes, as Load does after reading
// the file; exported separately so tests and embedders don't need a
// filesystem.
func Parse(raw []byte) (*Config, error) {
	var f file
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("funcconfig: parse: %w", err)
	}

	c := &Config{
		raw:        raw,
		byFuncName: make(map[string]Entry, len(f.Functions)),
		byFuncID:   make(map[uint16]Entry, len(f.Functions)),
		byGRPC:     make(map[grpcKey]grpcTarget),
	}
	for _, e := range f.Functions {
		if _, dup := c.byFuncID[e.FuncID]; dup {
			return nil, fmt.Errorf("funcconfig: duplicate func_id %d", e.FuncID)
		}
		c.byFuncID[e.FuncID] = e
		if e.FuncName != "" {
			if _, dup := c.byFuncName[e.FuncName]; dup {
				return nil, fmt.Errorf("funcconfig: duplicate func_name %q", e.FuncName)
			}
			c.byFuncName[e.FuncName] = e
		}
		if e.GRPCService != "" {
			if len(e.Methods) == 0 {
				c.byGRPC[grpcKey{service: e.GRPCService, method: ""}] = grpcTarget{FuncID: e.FuncID}
				continue
			}
			for method, methodID := range e.Methods {
				c.byGRPC[grpcKey{service: e.GRPCService, method: method}] = grpcTarget{FuncID: e.FuncID, MethodID: methodID}
			}
		}
	}
	return c, nil
}

// RawJSON returns the exact bytes the config was loaded from, for
// echoing in a HandshakeResponse.
func (c *Config) RawJSON() []byte {
	return c.raw
}

// ByFuncName resolves an HTTP-facing function name.
func (c *Config) ByFuncName(name string) (Entry, bool) {
	e, ok := c.byFuncName[name]
	return e, ok
}

// ByFuncID resolves a numeric func_id, as used to validate an incoming
// handshake.
func (c *Config) ByFuncID(id uint16) (Entry, bool) {
	e, ok := c.byFuncID[id]
	return e, ok
}

// ByGRPCMethod resolves a ("grpc:"+service, method) pair to the
// (func_id, method_id) the gateway should dispatch to. The service
// argument must already have the "grpc:" key prefix stripped; callers
// route on the bare service name as it appears in the config.
func (c *Config) ByGRPCMethod(service, method string) (funcID, methodID uint16, ok bool) {
	t, ok := c.byGRPC[grpcKey{service: service, method: method}]
	if !ok {
		return 0, 0, false
	}
	return t.FuncID, t.MethodID, true
}

// HasGRPCService reports whether any method of service is registered,
// used to distinguish an unknown service (NOT_FOUND) from an unknown
// method on a known service (also NOT_FOUND, per spec, but reported
// with a different status message upstream).
func (c *Config) HasGRPCService(service string) bool {
	for k := range c.byGRPC {
		if k.service == service {
			return true
		}
	}
	return false
}
