package offlinegateway

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/offline-gateway/offline-gateway/cache"
	cachekey "github.com/offline-gateway/offline-gateway/pkg/cache-key"
	serializer "github.com/offline-gateway/offline-gateway/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// rootDocument is the fallback target for same-origin requests that cannot
// be satisfied from cache or network. The shell manifest must contain it.
const rootDocument = "/"

type Config struct {
	// Storage for cache generations.
	Cache cache.CacheProvider
	// Version identifies the current cache generation. Bumping it is the
	// only supported way to invalidate previously cached entries and force
	// a full shell re-fetch.
	Version string
	// Hostname the dashboard shell is served under.
	AppHost string
	// URL of the shell origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Shell paths fetched eagerly at install time.
	// Must contain the root document.
	Shell []string
	// Allow-listed remote hostnames mapped to their upstream origins.
	// Requests to any other foreign host bypass caching entirely.
	Remotes map[string]url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional function for mutating upstream requests.
	// Use it e.g. for setting auth headers toward the stats API.
	RequestModifier func(*http.Request)
}

type Gateway struct {
	cache         cache.CacheProvider
	version       string
	appHost       string
	originURL     url.URL
	shell         []string
	remotes       map[string]url.URL
	log           zerolog.Logger
	state         lifecycleState
	httpClient    http.Client
	modifyRequest func(*http.Request)
}

// CreateGateway initializes the offline-gateway instance.
// The returned gateway is in the installing state; it serves pure
// passthrough until Install and Activate have completed.
func CreateGateway(config Config) *Gateway {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("generation", config.Version).
		Str("origin", config.OriginURL.String()).
		Logger()

	g := &Gateway{
		cache:     config.Cache,
		version:   config.Version,
		appHost:   config.AppHost,
		originURL: config.OriginURL,
		shell:     config.Shell,
		remotes:   config.Remotes,
		log:       logger,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		modifyRequest: config.RequestModifier,
	}
	return g
}

// Cache statuses reported to the client via the Cache-Status header.
// Purely informational; the serving logic never reads them back.
const (
	statusHit      = "hit"
	statusMiss     = "fwd=miss; stored"
	statusBypass   = "fwd=bypass"
	statusMethod   = "fwd=method"
	statusFallback = "fallback"
)

type route int

const (
	routeBypass route = iota
	routeMethod
	routeShell
	routeRemote
)

// classify determines the serving strategy for a request.
// It has no side effects; all caching side effects live in the strategies.
func (g *Gateway) classify(r *http.Request) route {
	if r.Method != http.MethodGet {
		return routeMethod
	}
	host := cachekey.Hostname(r)
	if host == "" || host == g.appHost {
		return routeShell
	}
	if _, ok := g.remotes[host]; ok {
		return routeRemote
	}
	return routeBypass
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.State() != StateActive {
		g.passthrough(w, r, statusBypass)
		return
	}
	switch g.classify(r) {
	case routeShell:
		g.serveShell(w, r)
	case routeRemote:
		g.serveRemote(w, r)
	case routeMethod:
		g.passthrough(w, r, statusMethod)
	default:
		g.passthrough(w, r, statusBypass)
	}
}

// serveShell is the cache-first strategy for the application's own
// resources. A hit is served without contacting the network and without
// refreshing the entry; entries are only ever refreshed by a new
// generation's install. A miss is fetched and stored opportunistically.
func (g *Gateway) serveShell(w http.ResponseWriter, r *http.Request) {
	key, err := cachekey.ForRequest(r)
	if err != nil {
		// classify only routes GET requests here
		g.passthrough(w, r, statusMethod)
		return
	}
	if bts, ok, err := g.cache.Get(g.version, key); err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	} else if ok {
		g.sendStored(w, r, bts, statusHit)
		return
	}
	res, err := g.fetch(r, g.originURL)
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("Origin unreachable, falling back to root document")
		g.sendFallback(w, r)
		return
	}
	g.store(key, res)
	g.send(w, r, res, statusMiss)
}

// serveRemote is the network-first strategy for the two allow-listed remote
// hosts. Live data is always preferred; the cached snapshot is served only
// when the network fails, and a missing snapshot surfaces as a failure so
// the polling page can apply its own retry logic.
func (g *Gateway) serveRemote(w http.ResponseWriter, r *http.Request) {
	key, err := cachekey.ForRequest(r)
	if err != nil {
		g.passthrough(w, r, statusMethod)
		return
	}
	res, err := g.fetch(r, g.remotes[cachekey.Hostname(r)])
	if err == nil {
		g.store(key, res)
		g.send(w, r, res, statusMiss)
		return
	}
	if bts, ok, cacheErr := g.cache.Get(g.version, key); cacheErr == nil && ok {
		g.log.Warn().Err(err).Str("key", key).Msg("Remote unreachable, serving cached snapshot")
		g.sendStored(w, r, bts, statusFallback)
		return
	}
	g.log.Error().Err(err).Str("key", key).Msg("Remote unreachable and no cached snapshot")
	http.Error(w, "Could not connect to upstream", http.StatusBadGateway)
}

// sendFallback resolves the same-origin offline path: the root document
// from the current generation, or a propagated failure if even that is
// absent. The originally requested key is deliberately not consulted here.
func (g *Gateway) sendFallback(w http.ResponseWriter, r *http.Request) {
	bts, ok := g.resolveFallback(cachekey.ForPath(g.appHost, rootDocument))
	if !ok {
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	g.sendStored(w, r, bts, statusFallback)
}

// resolveFallback looks up a key in the current generation only.
// Older generations may already be scheduled for deletion and are never
// consulted.
func (g *Gateway) resolveFallback(key string) ([]byte, bool) {
	bts, ok, err := g.cache.Get(g.version, key)
	if err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not read fallback from cache")
		return nil, false
	}
	return bts, ok
}

// passthrough forwards the request with no caching involvement.
func (g *Gateway) passthrough(w http.ResponseWriter, r *http.Request, status string) {
	res, err := g.fetch(r, g.upstreamFor(r))
	if err != nil {
		g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not connect to upstream")
		http.Error(w, "Could not connect to upstream", http.StatusBadGateway)
		return
	}
	g.send(w, r, res, status)
}

// upstreamFor maps a request host to the upstream it should be forwarded
// to when no strategy applies.
func (g *Gateway) upstreamFor(r *http.Request) url.URL {
	host := cachekey.Hostname(r)
	if origin, ok := g.remotes[host]; ok {
		return origin
	}
	if host != "" && host != g.appHost {
		scheme := r.URL.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return url.URL{Scheme: scheme, Host: r.Host}
	}
	return g.originURL
}

// fetch issues the incoming request against the given upstream origin.
func (g *Gateway) fetch(r *http.Request, origin url.URL) (*http.Response, error) {
	uri := strings.TrimSuffix(origin.String(), "/") + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if g.modifyRequest != nil {
		g.modifyRequest(req)
	}
	return g.httpClient.Do(req)
}

// store persists a snapshot of the response into the current generation.
// The response body is duplicated by the serializer before it is consumed,
// so the caller can still deliver the response afterwards. Failed responses
// are never stored; failed writes are logged and never abort delivery.
func (g *Gateway) store(key string, res *http.Response) {
	if res.StatusCode >= 400 {
		return
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not snapshot response")
		return
	}
	if err := g.cache.Put(g.version, key, bts); err != nil {
		g.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	g.log.Trace().Str("key", key).Msg("Cache write")
}

func (g *Gateway) sendStored(w http.ResponseWriter, r *http.Request, bts []byte, status string) {
	res, err := serializer.BytesToResponse(bts, r)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not read stored response")
		http.Error(w, "Corrupt cache entry", http.StatusInternalServerError)
		return
	}
	g.send(w, r, res, status)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, res *http.Response, status string) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", "offline-gateway; "+status)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
	g.logRequest(r, status)
	g.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (g *Gateway) logRequest(r *http.Request, status string) {
	isHit := 0
	if status == statusHit {
		isHit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("host", cachekey.Hostname(r)).
		Str("url", r.URL.String()).
		Str("status", status).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
