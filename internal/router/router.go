// Package router picks the backend a session runs against.
package router

import (
	"fmt"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/config"
)

// ModeSource reports the configured execution mode.
type ModeSource interface {
	Mode() config.Mode
}

type Router struct {
	Local    backend.Backend
	Remote   backend.Backend
	Settings ModeSource
}

func New(local, remote backend.Backend, settings ModeSource) *Router {
	return &Router{Local: local, Remote: remote, Settings: settings}
}

// Route returns the backend for the current mode.
func (r *Router) Route() (backend.Backend, error) {
	mode := config.ModeLocal
	if r.Settings != nil {
		mode = r.Settings.Mode()
	}

	var selected backend.Backend

	switch mode {
	case config.ModeRemote:
		selected = r.Remote
	case config.ModeLocal:
		selected = r.Local
	default:
		return nil, fmt.Errorf("unknown backend mode %q", mode)
	}

	if selected == nil {
		return nil, fmt.Errorf("no %s backend configured", mode)
	}

	return selected, nil
}

// All returns every configured backend, local first.
func (r *Router) All() []backend.Backend {
	var all []backend.Backend

	if r.Local != nil {
		all = append(all, r.Local)
	}

	if r.Remote != nil {
		all = append(all, r.Remote)
	}

	return all
}
