package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/config"
	"github.com/erg0nix/parley/internal/core"
)

type namedBackend struct{ name string }

func (n namedBackend) Name() string { return n.name }
func (namedBackend) Generate(context.Context, []core.Message, int, core.SamplingConfig) (<-chan backend.Chunk, error) {
	return nil, nil
}
func (namedBackend) Stop() {}
func (namedBackend) ContextInfo() core.ContextInfo { return core.ContextInfo{} }
func (namedBackend) ResetContext(context.Context) error { return nil }
func (namedBackend) Load(context.Context, string, backend.LoadConfig) error { return nil }
func (namedBackend) Unload(context.Context) error { return nil }
func (namedBackend) Loaded() bool { return true }

func TestRouteFollowsMode(t *testing.T) {
	settings := config.NewMemoryStore(config.Default())
	r := New(namedBackend{"local"}, namedBackend{"remote"}, settings)

	selected, err := r.Route()
	require.NoError(t, err)
	assert.Equal(t, "local", selected.Name())

	require.NoError(t, settings.SetMode(config.ModeRemote))

	selected, err = r.Route()
	require.NoError(t, err)
	assert.Equal(t, "remote", selected.Name())
}

func TestRouteMissingSlot(t *testing.T) {
	settings := config.NewMemoryStore(config.Default())
	require.NoError(t, settings.SetMode(config.ModeRemote))

	r := New(namedBackend{"local"}, nil, settings)

	_, err := r.Route()
	assert.Error(t, err)
	assert.Len(t, r.All(), 1)
}
