// Package accel declares the boundary contract to the vendor
// neural-accelerator runtime. The runtime itself — loading its
// shared libraries, creating a backend/device/context, retrieving and
// executing compiled graphs — is an external collaborator out of this
// module's scope; this package only types the narrow interface shardrun
// drives it through.
package accel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shardrun/shardrun/errs"
	"github.com/shardrun/shardrun/shardmeta"
)

// ContextHandle identifies one loaded shard binary's compiled context.
// Tagged with a uuid rather than a bare integer so logs and error messages
// can name a specific context unambiguously across a multi-shard load
//.
type ContextHandle struct {
	ID   uuid.UUID
	Name string // e.g. "forward_0"
}

// GraphHandle identifies one retrieved graph (prefill or decode) within a
// ContextHandle.
type GraphHandle struct {
	ID      uuid.UUID
	Context ContextHandle
	Name    string
}

// TensorBinding is one bound tensor passed to ExecuteGraph: a name, its
// declared shape/dtype/quantization, and a raw host buffer. The buffer is
// owned by the caller (kvcache or bind's arena) — the runtime is expected
// to read/write it in place for the duration of the call and not retain it
// afterward.
type TensorBinding struct {
	Desc shardmeta.TensorDesc
	Buf  []byte
}

// Runtime is the full contract shardrun needs from the accelerator
// collaborator.
type Runtime interface {
	// Load loads the runtime's backend and system shared libraries.
	Load(backendLib, systemLib string) error

	// CreateBackendAndDevice initializes the accelerator backend and
	// selects a device. Must be called once, after Load and before any
	// context creation.
	CreateBackendAndDevice(ctx context.Context) error

	// CreateContextFromBinary loads one compiled shard binary's bytes and
	// returns a handle to its context.
	CreateContextFromBinary(ctx context.Context, name string, binary []byte) (ContextHandle, error)

	// RetrieveGraph retrieves a named graph (e.g. "prefill", "decode")
	// from a loaded context.
	RetrieveGraph(ctx context.Context, c ContextHandle, graphName string) (GraphHandle, error)

	// ExecuteGraph runs one forward pass of g, reading inputs and writing
	// outputs in place.
	ExecuteGraph(ctx context.Context, g GraphHandle, inputs, outputs []TensorBinding) error

	// Close releases every resource the runtime is holding (contexts,
	// device, backend, loaded libraries).
	Close() error
}

// ShardBinary is one on-disk shard paired with its metadata JSON, opaque to this module beyond the path.
type ShardBinary struct {
	Name         string // e.g. "forward_0"
	BinaryPath   string
	MetadataPath string
}

// drivers holds one Runtime factory per vendor backend name, registered by
// that backend's build-tagged implementation package at init time. No
// driver is registered by this module itself: binding to a vendor's .so is
// an external collaborator's job, never reimplemented here.
var drivers = make(map[string]func(backendLib, systemLib string) (Runtime, error))

// RegisterDriver registers a Runtime factory under name. Called from a
// vendor-specific implementation package's init function, the way the
// teacher's ml.RegisterBackend registers a compute backend.
func RegisterDriver(name string, f func(backendLib, systemLib string) (Runtime, error)) {
	if _, ok := drivers[name]; ok {
		panic("accel: driver already registered: " + name)
	}
	drivers[name] = f
}

// NewRuntime constructs the named vendor Runtime. Returns
// errs.ErrRuntimeFailure if no driver of that name has been registered —
// expected until a vendor driver package is linked into the binary.
func NewRuntime(name, backendLib, systemLib string) (Runtime, error) {
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no accelerator driver registered under %q", errs.ErrRuntimeFailure, name)
	}
	return f(backendLib, systemLib)
}

// LoadShards loads every shard in order into its own context: the KV-cache and binding design is unchanged
// when a model is split across N binaries — only graph retrieval
// multiplexes across the returned handles.
func LoadShards(ctx context.Context, rt Runtime, shards []ShardBinary, readFile func(path string) ([]byte, error)) ([]ContextHandle, error) {
	handles := make([]ContextHandle, 0, len(shards))
	for _, s := range shards {
		data, err := readFile(s.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading shard %q: %w", errs.ErrRuntimeFailure, s.Name, err)
		}
		h, err := rt.CreateContextFromBinary(ctx, s.Name, data)
		if err != nil {
			return nil, fmt.Errorf("%w: creating context for shard %q: %w", errs.ErrRuntimeFailure, s.Name, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}
