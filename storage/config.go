package storage

import (
	"os"
	"strconv"
	"strings"
)

// envOrDefault reads an environment variable, falling back to def when
// unset or empty. No third-party env-binding library appears anywhere in
// the reference corpus (checked: caarlos0/env, kelseyhightower/envconfig,
// spf13/viper are all absent), so this is a direct os.Getenv lookup —
// see DESIGN.md for the standard-library justification.
func envOrDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envInt64(name string, def int64) int64 {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envInt(name string, def int) int {
	return int(envInt64(name, int64(def)))
}

func envBool(name string, def bool) bool {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// IOType selects between OS-page-cached and direct I/O for a PagedStore.
type IOType int

const (
	Buffered IOType = iota
	Direct
)

func parseIOType(s string) IOType {
	if strings.EqualFold(s, "direct") {
		return Direct
	}
	return Buffered
}

// Mode is the PagedStore open mode.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// Options configures PagedStore.Open. Zero-valued fields are filled in by
// ApplyDefaults: explicit config wins, then the matching environment
// variable, then the built-in default (§6.3 of the specification).
type Options struct {
	BlockBytes       uint32
	ExtraHeaderBytes uint32
	IOType           IOType
	Compact          bool
	Increment        int64
	Compressor       string // "" disables payload compression, "snappy" enables it
}

const (
	DefaultBlockBytes   uint32 = 496
	BlockHeaderBytes    uint32 = 16
	defaultGrowthBlocks        = 64
)

// ApplyDefaults fills unset fields of o, consulting environment variables
// before falling back to built-in defaults.
func (o Options) ApplyDefaults() Options {
	if o.BlockBytes == 0 {
		o.BlockBytes = uint32(envInt("FLINTDB_BLOCK_BYTES", int(DefaultBlockBytes)))
	}
	if o.Increment == 0 {
		o.Increment = int64(defaultGrowthBlocks) * int64(o.BlockBytes+BlockHeaderBytes)
	}
	if os.Getenv("FLINTDB_IO_TYPE") != "" && o.IOType == Buffered {
		o.IOType = parseIOType(os.Getenv("FLINTDB_IO_TYPE"))
	}
	return o
}

// WalMode selects whether the WAL file is truncated after checkpoints
// (TRUNCATE) or left to grow until an operator-initiated checkpoint (LOG).
type WalMode int

const (
	WalModeTruncate WalMode = iota
	WalModeLog
)

func parseWalMode(s string) WalMode {
	if strings.EqualFold(s, "log") {
		return WalModeLog
	}
	return WalModeTruncate
}

// SyncMode controls how aggressively the WalManager fsyncs.
type SyncMode int

const (
	SyncOff SyncMode = iota
	SyncNormal
	SyncFull
	SyncPlatformDefault
)

func parseSyncMode(s string) SyncMode {
	switch strings.ToLower(s) {
	case "off":
		return SyncOff
	case "full":
		return SyncFull
	case "platform":
		return SyncPlatformDefault
	default:
		return SyncNormal
	}
}

// ManagerConfig configures WalManager.Open. Same override precedence as
// Options: explicit > env var > default.
type ManagerConfig struct {
	WalMode               WalMode
	CheckpointInterval    int64
	BatchSizeLimit        int
	BatchBufferCapacity   int
	CompressionThreshold  int
	DirectWriteThreshold  int
	SyncMode              SyncMode
	LogPageData           bool
}

const (
	DefaultCheckpointInterval   int64 = 10_000
	DefaultBatchSizeLimit             = 10_000
	DefaultBatchBufferCapacity        = 4 * 1024 * 1024
	MinBatchBufferCapacity            = 256 * 1024
	DefaultCompressionThreshold       = 8 * 1024
	DefaultDirectWriteThreshold       = 64 * 1024
)

// ApplyDefaults fills unset fields of c, consulting environment variables
// before falling back to built-in defaults.
func (c ManagerConfig) ApplyDefaults() ManagerConfig {
	if os.Getenv("FLINTDB_WAL_MODE") != "" && c.WalMode == WalModeTruncate {
		c.WalMode = parseWalMode(os.Getenv("FLINTDB_WAL_MODE"))
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = envInt64("FLINTDB_WAL_CHECKPOINT_INTERVAL", DefaultCheckpointInterval)
	}
	if c.BatchSizeLimit == 0 {
		c.BatchSizeLimit = envInt("FLINTDB_WAL_BATCH_SIZE", DefaultBatchSizeLimit)
	}
	if c.BatchBufferCapacity == 0 {
		c.BatchBufferCapacity = envInt("FLINTDB_WAL_BATCH_BUFFER_BYTES", DefaultBatchBufferCapacity)
	}
	if c.BatchBufferCapacity < MinBatchBufferCapacity {
		c.BatchBufferCapacity = MinBatchBufferCapacity
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = envInt("FLINTDB_WAL_COMPRESSION_THRESHOLD", DefaultCompressionThreshold)
	}
	if c.DirectWriteThreshold == 0 {
		c.DirectWriteThreshold = envInt("FLINTDB_WAL_DIRECT_WRITE_THRESHOLD", DefaultDirectWriteThreshold)
	}
	if os.Getenv("FLINTDB_WAL_SYNC_MODE") != "" && c.SyncMode == SyncOff {
		c.SyncMode = parseSyncMode(os.Getenv("FLINTDB_WAL_SYNC_MODE"))
	}
	return c
}
