package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stratus/pkg/config"
	"github.com/openfroyo/stratus/pkg/library"
	"github.com/openfroyo/stratus/pkg/policy"
	"github.com/openfroyo/stratus/pkg/project"
	"github.com/openfroyo/stratus/pkg/resolvers"
	"github.com/openfroyo/stratus/pkg/stores"
	"github.com/openfroyo/stratus/pkg/telemetry"
)

// app is the wired workspace shared by the commands.
type app struct {
	ws       *config.Workspace
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	schemas  *resolvers.SchemaValidator
	loader   *library.Loader
	projects *project.Service
	policies *policy.Engine
	metrics  *http.Server
}

// openApp loads the workspace config, the library and the state store.
func openApp(ctx context.Context, version string) (*app, error) {
	ws, err := config.Load(workspacePath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(ws.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		ws:      ws,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		schemas: resolvers.NewSchemaValidator(),
	}

	if err := os.MkdirAll(filepath.Dir(ws.StatePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	a.store, err = stores.NewSQLiteStore(stores.Config{Path: ws.StatePath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := a.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.loader = library.NewLoader(a.schemas, a.logger)
	lib, err := a.loader.Load(ctx, ws.LibraryPath)
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to load library: %w", err)
	}

	a.projects = project.NewService(ws.ProjectsPath, lib, a.store, a.logger,
		project.WithTelemetry(tel),
		project.WithCompositeTimeout(ws.CompositeTimeout),
		project.WithSchemaValidator(a.schemas),
	)

	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	if err := a.policies.LoadPolicies(ctx, ws.PolicyPaths); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	a.metrics, err = tel.Metrics.StartMetricsServer()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Metrics server not started")
	}

	a.logger.Debug().
		Str("workspace", ws.Name).
		Str("library", lib.ID).
		Str("state", ws.StatePath).
		Msg("Workspace opened")
	return a, nil
}

func (a *app) Close(ctx context.Context) error {
	var result *multierror.Error
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
