// Package workunit defines the niladic unit-of-work contract shared by
// command chains and cluster jobs, and the codec that lets a unit built in
// one process be saved, transported and run unmodified in another.
//
// A unit is serializable when it implements Serializable and its kind is
// registered. Units that hold resources which cannot be encoded (loggers,
// open files) keep them in unexported fields, store what is needed to
// reacquire them, and implement Restorer; Decode calls Restore after the
// unit's JSON has been decoded.
package workunit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Unit is a unit of work invoked without arguments.
type Unit interface {
	Run(ctx context.Context) error
}

// Func adapts a function to Unit. Func values are not serializable.
type Func func(ctx context.Context) error

// Run calls f.
func (f Func) Run(ctx context.Context) error { return f(ctx) }

// Serializable units can be encoded; Kind selects the registered factory on decode.
type Serializable interface {
	Unit
	Kind() string
}

// Restorer reacquires resources dropped during encoding.
type Restorer interface {
	Restore() error
}

// Cloner is implemented by units that copy themselves. Clone prefers it over
// an encode/decode round trip.
type Cloner interface {
	Clone() (Unit, error)
}

// WorkDirer is implemented by units bound to a working directory.
type WorkDirer interface {
	WorkDir() string
}

var (
	// ErrNotSerializable is returned when encoding a unit that is not Serializable.
	ErrNotSerializable = errors.New("work unit is not serializable")
	// ErrUnknownKind is returned when decoding an unregistered kind.
	ErrUnknownKind = errors.New("unknown work unit kind")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Serializable{}
)

// Register makes a unit kind decodable. factory must return a pointer to a
// zero value. Registering a kind twice panics.
func Register(kind string, factory func() Serializable) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if kind == "" || factory == nil {
		panic("workunit: Register requires a kind and a factory")
	}
	if _, dup := registry[kind]; dup {
		panic("workunit: Register called twice for kind " + kind)
	}
	registry[kind] = factory
}

// Kinds lists registered kinds in sorted order.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Envelope is the encoded form of a unit.
type Envelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// Encode serializes u into an envelope.
func Encode(u Unit) ([]byte, error) {
	s, ok := u.(Serializable)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotSerializable, u)
	}
	spec, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s unit: %w", s.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: s.Kind(), Spec: spec})
}

// Decode rebuilds a unit from an envelope produced by Encode.
func Decode(data []byte) (Unit, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode work unit envelope: %w", err)
	}

	registryMu.RLock()
	factory, ok := registry[env.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	u := factory()
	if len(env.Spec) > 0 {
		if err := json.Unmarshal(env.Spec, u); err != nil {
			return nil, fmt.Errorf("decode %s unit: %w", env.Kind, err)
		}
	}
	if r, ok := u.(Restorer); ok {
		if err := r.Restore(); err != nil {
			return nil, fmt.Errorf("restore %s unit: %w", env.Kind, err)
		}
	}
	return u, nil
}

// Clone returns an independent copy of u. Cloners copy themselves,
// serializable units are copied by an encode/decode round trip and other
// units are returned as they are.
func Clone(u Unit) (Unit, error) {
	if c, ok := u.(Cloner); ok {
		return c.Clone()
	}
	if _, ok := u.(Serializable); !ok {
		return u, nil
	}
	b, err := Encode(u)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Save writes the encoded unit to path atomically. The parent directory must exist.
func Save(u Unit, path string) error {
	b, err := Encode(u)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp unit file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp unit file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp unit file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename unit file: %w", err)
	}
	return nil
}

// Load reads a unit saved by Save.
func Load(path string) (Unit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work unit: %w", err)
	}
	return Decode(b)
}

// LoadAndRun loads the unit at path and runs it.
func LoadAndRun(ctx context.Context, path string) (Unit, error) {
	u, err := Load(path)
	if err != nil {
		return nil, err
	}
	return u, u.Run(ctx)
}
