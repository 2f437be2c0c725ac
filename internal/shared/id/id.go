// Package id provides centralized ID generation for the backend.
//
// Execution ids are bare ULIDs: they name workspace directories and appear
// inside generated module source (`default as _<executionId>`), so they must
// be valid identifier suffixes and sort lexically in creation order.
// Runtime handles carry a prefix for readability in logs and API responses.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ExecutionID identifies one evaluation request of a cell
type ExecutionID string

// RuntimeHandle identifies a provisioned sandbox runtime
type RuntimeHandle string

// SubscriptionID identifies a result stream subscriber
type SubscriptionID string

// RuntimePrefix is prepended to runtime handles
const RuntimePrefix = "rt"

// Generator generates ULIDs that are strictly increasing within a process
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by monotonic crypto entropy
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewExecutionID generates a new execution ID
func NewExecutionID() ExecutionID {
	return ExecutionID(Default().GenerateString())
}

// NewRuntimeHandle generates a new runtime handle
func NewRuntimeHandle() RuntimeHandle {
	return RuntimeHandle(Default().GenerateWithPrefix(RuntimePrefix))
}

// NewSubscriptionID generates a new subscriber id. Subscribers are not
// persisted or sorted, so a random UUID is enough.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.NewString())
}

func (id ExecutionID) String() string    { return string(id) }
func (id RuntimeHandle) String() string  { return string(id) }
func (id SubscriptionID) String() string { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Timestamp extracts the creation time from an execution id
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
