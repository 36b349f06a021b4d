package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tflow/attachstore/internal/circuit"
	"github.com/tflow/attachstore/internal/config"
	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/internal/remote/ftp"
	"github.com/tflow/attachstore/internal/remote/s3"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/pkg/utils"
)

// loadConfig reads the config file (if any), applies environment overrides
// and validates the result.
func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
// The returned closer releases the log file.
func newLogger(cfg *config.Configuration) (*slog.Logger, io.Closer, error) {
	out, err := utils.OpenLogFile(cfg.Global.LogFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, out)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, out, nil
}

// newDialer builds the dialer for the configured remote driver, guarded by
// the circuit breaker when it is enabled.
func newDialer(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (remote.Dialer, error) {
	var dialer remote.Dialer
	switch cfg.Remote.Driver {
	case config.DriverFTP:
		dialer = ftp.NewDialer(cfg.Remote.FTP, logger)
	case config.DriverS3:
		d, err := s3.NewDialer(ctx, cfg.Remote.S3, logger)
		if err != nil {
			return nil, err
		}
		dialer = d
	default:
		return nil, fmt.Errorf("unknown remote driver: %s", cfg.Remote.Driver)
	}

	if cfg.Remote.Breaker.Enabled {
		dialer = circuit.NewDialer(dialer, cfg.Remote.Breaker, logger)
	}
	return dialer, nil
}

// newPolicy builds the session pool and the retry policy running on it.
func newPolicy(ctx context.Context, cfg *config.Configuration, observer session.Observer, logger *slog.Logger) (*session.Pool, *session.Policy, error) {
	dialer, err := newDialer(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	pool := session.NewPool(dialer, cfg.Pool, logger)
	return pool, session.NewPolicy(pool, cfg.Retry, observer, logger), nil
}

func ping(ctx context.Context, s remote.Session) error {
	return s.Ping(ctx)
}
