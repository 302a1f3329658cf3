// Package contracts pins down the interfaces EntiDB's storage core
// consumes from, and produces for, collaborators that live outside
// this module: auth/RBAC, backup/restore, the migration runner,
// structured logging, and the top-level multi-collection façade. None
// of those components live in this module; only the narrow interfaces
// they are built against do.
package contracts

import "time"

// LogLevel mirrors the severity levels a structured logger accepts.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Logger is the consumed structured-logging interface. The core must
// never fail or block because logging failed; implementations should
// treat their own errors as unrecoverable-but-ignorable.
type Logger interface {
	Log(level LogLevel, module, message string, fields map[string]any)
}

// NopLogger discards everything. It is the default when no logger is
// supplied, so a consumed collaborator left unconfigured is a
// pass-through rather than a crash.
type NopLogger struct{}

func (NopLogger) Log(LogLevel, string, string, map[string]any) {}

// IDGenerator produces globally unique record identifiers. The default
// implementation (package recordid) wraps google/uuid's type-4 UUIDs.
type IDGenerator interface {
	NewID() string
}

// Clock abstracts wall-clock time so recovery and tests can be driven
// deterministically. Timestamps are UTC with at least millisecond
// precision.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Encryptor is the consumed encryption-service interface the pager
// boundary wraps around. AAD binds ciphertext to its page id.
type Encryptor interface {
	Encrypt(plaintext []byte, aad []byte) ([]byte, error)
	Decrypt(ciphertext []byte, aad []byte) ([]byte, error)
	IsEnabled() bool
}

// NopEncryptor is a pass-through Encryptor used when encryption is
// disabled.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(p []byte, _ []byte) ([]byte, error) { return p, nil }
func (NopEncryptor) Decrypt(c []byte, _ []byte) ([]byte, error) { return c, nil }
func (NopEncryptor) IsEnabled() bool                            { return false }

// RecordStream yields (id, body-bytes) pairs, used by both the
// snapshot and migration produced interfaces below.
type RecordStream func(yield func(id string, body []byte) bool)

// Snapshot is produced for the excluded backup/restore collaborator.
type Snapshot interface {
	SchemaVersion() uint32
	Stream() RecordStream
}

// Migration is produced for the excluded migration-runner collaborator.
type Migration interface {
	IterateAll() RecordStream
	BatchApply(records map[string]map[string]any) error
	ReadSchemaVersion() (uint32, error)
	WriteSchemaVersion(v uint32) error
}

// Stats is produced for the excluded façade/ops collaborator.
type Stats interface {
	Count() (int, error)
	IndexCount() (int, error)
	CacheHitRatio() float64
}
