package offlinegateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/offline-gateway/offline-gateway/cache"
)

func TestInstallPopulatesShellManifest(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	provider := cache.NewMemCache()
	g := newIdleGateway(t, provider, origin, nil, "v1")

	if err := g.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if hits != len(testShell) {
		t.Fatalf("Origin hit %d times, expected %d", hits, len(testShell))
	}
	if got := countEntries(provider, "v1"); got != len(testShell) {
		t.Fatalf("Generation holds %d entries, expected %d", got, len(testShell))
	}
	if s := g.State(); s != StateActivating {
		t.Fatalf("State is %s", s)
	}
}

func TestInstallAbortsOnManifestFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/battery.svg" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "shell:%s", r.URL.Path)
	}))
	defer origin.Close()
	provider := cache.NewMemCache()
	g := newIdleGateway(t, provider, origin, nil, "v1")

	if err := g.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded despite missing manifest resource")
	}

	// no partial generation may survive a failed install
	generations, err := provider.Generations()
	if err != nil {
		t.Fatal(err)
	}
	if len(generations) != 0 {
		t.Fatalf("Generations after failed install: %v", generations)
	}
	if s := g.State(); s != StateInstalling {
		t.Fatalf("State is %s", s)
	}
}

func TestFailedReinstallKeepsCompleteGeneration(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	provider := cache.NewMemCache()
	first := newIdleGateway(t, provider, origin, nil, "v1")
	if err := first.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	// same version, restarted against an origin that breaks mid-manifest
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/battery.svg" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "shell:%s", r.URL.Path)
	}))
	defer broken.Close()
	second := newIdleGateway(t, provider, broken, nil, "v1")

	if err := second.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded despite missing manifest resource")
	}

	generations, err := provider.Generations()
	if err != nil {
		t.Fatal(err)
	}
	if len(generations) != 1 || generations[0] != "v1" {
		t.Fatalf("Generations after failed reinstall: %v", generations)
	}
	if got := countEntries(provider, "v1"); got != len(testShell) {
		t.Fatalf("Generation holds %d entries, expected %d", got, len(testShell))
	}
	if _, ok, _ := provider.Get("v1", "GET:dash.test/img/battery.svg"); !ok {
		t.Fatal("Shell resource lost from surviving generation")
	}
}

func TestResumeServesPriorGeneration(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	provider := cache.NewMemCache()
	newTestGateway(t, provider, origin, nil)
	origin.Close()

	// a later deployment whose install cannot complete falls back to the
	// surviving generation
	next := newIdleGateway(t, provider, origin, nil, "v2")
	if err := next.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded against closed origin")
	}
	if err := next.Resume("v1"); err != nil {
		t.Fatal(err)
	}
	if s := next.State(); s != StateActive {
		t.Fatalf("State is %s", s)
	}

	rr := httptest.NewRecorder()
	next.ServeHTTP(rr, httptest.NewRequest("GET", "http://dash.test/", nil))
	if body := rr.Body.String(); body != "shell:/" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Result().Header.Get("Cache-Status"); cs != "offline-gateway; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestResumeRequiresIdleGateway(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	g := newTestGateway(t, cache.NewMemCache(), origin, nil)

	if err := g.Resume("v0"); err == nil {
		t.Fatal("Resume succeeded on active gateway")
	}
}

func TestActivateFirstInstallDeletesNothing(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	provider := cache.NewMemCache()
	g := newIdleGateway(t, provider, origin, nil, "v1")

	if err := g.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	generations, _ := provider.Generations()
	if len(generations) != 1 || generations[0] != "v1" {
		t.Fatalf("Generations are %v", generations)
	}
	if s := g.State(); s != StateActive {
		t.Fatalf("State is %s", s)
	}
}

func TestVersionBumpDropsOldGeneration(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	provider := cache.NewMemCache()
	v1 := newTestGateway(t, provider, origin, nil)

	// cache an extra page under v1 only
	v1.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://dash.test/extra", nil))
	if _, ok, _ := provider.Get("v1", "GET:dash.test/extra"); !ok {
		t.Fatal("Extra page not cached under v1")
	}

	v2 := newIdleGateway(t, provider, origin, nil, "v2")
	if err := v2.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := v2.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	generations, _ := provider.Generations()
	if len(generations) != 1 || generations[0] != "v2" {
		t.Fatalf("Generations are %v", generations)
	}
	if _, ok, _ := provider.Get("v1", "GET:dash.test/extra"); ok {
		t.Fatal("Entry survived in deleted generation")
	}
	// the key cached only under v1 is now a miss
	if _, ok, _ := provider.Get("v2", "GET:dash.test/extra"); ok {
		t.Fatal("Entry migrated into new generation")
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	g := newIdleGateway(t, cache.NewMemCache(), origin, nil, "v1")

	if err := g.Activate(context.Background()); err == nil {
		t.Fatal("Activate succeeded without install")
	}
}

func TestInstallRunsOncePerLifecycle(t *testing.T) {
	hits := 0
	origin := shellOrigin(&hits)
	defer origin.Close()
	g := newTestGateway(t, cache.NewMemCache(), origin, nil)

	if err := g.Install(context.Background()); err == nil {
		t.Fatal("Second install succeeded on active gateway")
	}
}
