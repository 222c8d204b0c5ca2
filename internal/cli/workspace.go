package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/vchain/internal/compiler"
	"github.com/roach88/vchain/internal/config"
	"github.com/roach88/vchain/internal/identity"
	"github.com/roach88/vchain/internal/session"
	"github.com/roach88/vchain/internal/store"
	"github.com/roach88/vchain/internal/value"
	"github.com/roach88/vchain/internal/version"
)

// workspace is what a data command needs: compiled policies and a session
// over the configured database.
type workspace struct {
	bundle  *compiler.Bundle
	store   *store.Store
	session *session.Session
	as      string
}

// loadConfig resolves config and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.DBPath != "" {
		cfg.DatabasePath = opts.DBPath
	}
	return cfg, nil
}

// newLogger builds the CLI logger: text on w at the configured level,
// debug with --verbose.
func newLogger(cfg config.Config, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// loadBundle compiles and validates the policies directory.
func loadBundle(dir string) (*compiler.Bundle, error) {
	result, errs := LoadSpecs(dir, LoadModeCollectAll)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	var invalid []error
	for _, verr := range compiler.ValidateBundle(result.Bundle) {
		invalid = append(invalid, verr)
	}
	if len(invalid) > 0 {
		return nil, errors.Join(invalid...)
	}
	return result.Bundle, nil
}

// openWorkspace loads config and policies and opens the database. Failures
// are reported through f and returned as command errors.
func openWorkspace(opts *RootOptions, f *OutputFormatter) (*workspace, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, reportError(f, ErrCodeInvalidInput, ExitCommandError, "failed to load config", err)
	}
	logger, err := newLogger(cfg, opts.Verbose, f.GetErrWriter())
	if err != nil {
		return nil, reportError(f, ErrCodeInvalidInput, ExitCommandError, "invalid log level", err)
	}

	bundle, err := loadBundle(cfg.PoliciesDir)
	if err != nil {
		return nil, reportError(f, ErrCodeLoadFailed, ExitCommandError, "failed to load policies", err)
	}
	catalog, err := bundle.Catalog()
	if err != nil {
		return nil, reportError(f, ErrCodeBuildFailed, ExitCommandError, "failed to build catalog", err)
	}
	registry, err := bundle.Registry()
	if err != nil {
		return nil, reportError(f, ErrCodeBuildFailed, ExitCommandError, "failed to build policy registry", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, reportError(f, ErrCodeWriteFailed, ExitCommandError, "failed to open database", err)
	}
	f.VerboseLog("Opened %s with %d entity types", cfg.DatabasePath, len(bundle.Schemas))

	ident := identity.ContextProvider{Fallback: cfg.DefaultIdentity}
	interceptor := version.NewInterceptor(registry,
		version.WithIdentity(ident),
		version.WithLogger(logger),
	)
	return &workspace{
		bundle: bundle,
		store:  st,
		session: session.New(st, catalog,
			session.WithInterceptor(interceptor),
			session.WithIdentity(ident),
			session.WithLogger(logger),
		),
		as: opts.As,
	}, nil
}

func (w *workspace) Close() error {
	return w.store.Close()
}

// context returns ctx carrying the --as user, if any.
func (w *workspace) context(ctx context.Context) context.Context {
	if w.as == "" {
		return ctx
	}
	return identity.WithUser(ctx, w.as)
}

// reportError prints an error through f and returns it as an ExitError.
func reportError(f *OutputFormatter, code string, exit int, message string, err error) error {
	msg := message
	if err != nil {
		msg = fmt.Sprintf("%s: %v", message, err)
	}
	if outErr := f.Error(code, msg, nil); outErr != nil {
		return outErr
	}
	return WrapExitError(exit, code+": "+message, err)
}

// dataErrorCode classifies a failed data command.
func dataErrorCode(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return ErrCodeNotFound
	}
	return ErrCodeWriteFailed
}

// parseAssignments parses key=value flags. Values that are valid JSON are
// decoded (floats rejected, null clears); anything else is a string.
func parseAssignments(pairs []string) (map[string]value.Value, error) {
	out := make(map[string]value.Value, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", pair)
		}
		if !json.Valid([]byte(raw)) {
			out[key] = value.String(raw)
			continue
		}
		v, err := value.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
