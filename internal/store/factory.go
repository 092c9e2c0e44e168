package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Options selects and configures a backend
type Options struct {
	Mode        string
	DataPath    string
	DatabaseURL string
	Pool        PoolOptions
	Log         *zap.Logger
}

// New opens the backend selected by opts.Mode
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Mode {
	case ModeMemory, "":
		if opts.Log != nil {
			opts.Log.Warn("Using in-memory metadata store, data is lost on restart")
		}
		return NewMemoryStore(), nil
	case ModeDisk:
		return OpenSQLite(ctx, opts.DataPath, opts.Log)
	case ModeExternal:
		return OpenPostgres(ctx, opts.DatabaseURL, opts.Pool, opts.Log)
	default:
		return nil, fmt.Errorf("unknown storage mode %q: must be one of %s, %s, %s", opts.Mode, ModeMemory, ModeDisk, ModeExternal)
	}
}
