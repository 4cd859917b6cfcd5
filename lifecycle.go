package offlinegateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	cachekey "github.com/offline-gateway/offline-gateway/pkg/cache-key"
	serializer "github.com/offline-gateway/offline-gateway/pkg/response-serializer"
)

// State describes the lifecycle phase of a gateway generation.
// A new generation moves through installing and activating before it takes
// over request interception; until it is active, requests pass through
// with no cache involvement.
type State int32

const (
	StateInstalling State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "unknown"
}

type lifecycleState struct {
	v atomic.Int32
}

func (l *lifecycleState) get() State  { return State(l.v.Load()) }
func (l *lifecycleState) set(s State) { l.v.Store(int32(s)) }

// State returns the current lifecycle state of the gateway.
func (g *Gateway) State() State {
	return g.state.get()
}

// Install populates the current generation with every shell manifest
// resource, fetched eagerly from the shell origin.
// It is all-or-nothing: if any resource cannot be retrieved, a generation
// this install created is deleted and the install fails. A generation that
// pre-dates the install already holds a complete shell, so it survives the
// failure; entry overwrites are atomic, which keeps it complete throughout.
// A generation that silently lacks shell resources is never exposed.
func (g *Gateway) Install(ctx context.Context) error {
	if s := g.State(); s != StateInstalling {
		return fmt.Errorf("install: gateway is %s", s)
	}
	preExisting, err := g.generationExists()
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	for _, path := range g.shell {
		if err := g.installResource(ctx, path); err != nil {
			// a pre-existing generation already holds the complete shell of
			// a prior install; only a generation created by this install may
			// be deleted on failure
			if !preExisting {
				if delErr := g.cache.DeleteGeneration(g.version); delErr != nil {
					g.log.Error().Err(delErr).Msg("Could not delete partial generation")
				}
			}
			return fmt.Errorf("install %s: %w", path, err)
		}
	}
	g.state.set(StateActivating)
	g.log.Info().Int("resources", len(g.shell)).Msg("Install complete")
	return nil
}

func (g *Gateway) generationExists() (bool, error) {
	generations, err := g.cache.Generations()
	if err != nil {
		return false, err
	}
	for _, generation := range generations {
		if generation == g.version {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gateway) installResource(ctx context.Context, path string) error {
	uri := strings.TrimSuffix(g.originURL.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	res, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	return g.cache.Put(g.version, cachekey.ForPath(g.appHost, path), bts)
}

// Resume adopts an already-populated generation and starts intercepting
// requests without installing or deleting anything. It is the degraded
// startup path: when a fresh install fails but a complete generation from a
// previous run survives, the gateway serves that generation instead of
// refusing to start.
func (g *Gateway) Resume(generation string) error {
	if s := g.State(); s != StateInstalling {
		return fmt.Errorf("resume: gateway is %s", s)
	}
	g.version = generation
	g.state.set(StateActive)
	g.log.Warn().Str("resumed", generation).Msg("Serving prior generation without install")
	return nil
}

// Activate deletes every superseded generation and starts intercepting
// requests. Deletion is unconditional and irreversible; entries are never
// migrated from an old generation to the new one.
func (g *Gateway) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s := g.State(); s != StateActivating {
		return fmt.Errorf("activate: gateway is %s", s)
	}
	generations, err := g.cache.Generations()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, generation := range generations {
		if generation == g.version {
			continue
		}
		if err := g.cache.DeleteGeneration(generation); err != nil {
			return fmt.Errorf("activate: delete generation %s: %w", generation, err)
		}
		g.log.Info().Str("superseded", generation).Msg("Deleted superseded generation")
	}
	g.state.set(StateActive)
	g.log.Info().Msg("Gateway active")
	return nil
}
