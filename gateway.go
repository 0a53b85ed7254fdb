package modelvault

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/modelvault/modelvault/derivative"
	"github.com/modelvault/modelvault/token"
)

// GatewayConfig collects everything the origin handler serves: the viewer
// page, the JSON API the page calls, and the proxied upstream routes.
type GatewayConfig struct {
	Service  *derivative.Service
	Tokens   *token.Provider
	Frontend *Frontend
	Metrics  *Metrics

	// ModelsURL is the upstream listing relayed on /api/models.
	// Optional; the endpoint 404s when unset.
	ModelsURL string

	// StaticDir is the viewer page root served on /. Optional.
	StaticDir string

	// Routes are mounted as reverse proxies, so the page can reach the
	// upstreams same-origin and the worker can intercept the traffic.
	Routes []Rewrite

	Client *http.Client
	Logger zerolog.Logger
}

// Gateway is the origin behind the worker. Everything it serves is
// reachable same-origin, which is what makes interception possible.
type Gateway struct {
	router chi.Router
	cfg    GatewayConfig
	client *http.Client
	log    zerolog.Logger
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	g := &Gateway{
		cfg:    cfg,
		client: client,
		log:    cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.logRequests)

	r.Get("/api/token", g.handleToken)
	r.Get("/api/models", g.handleModels)
	r.Get("/api/models/{urn}/files", g.handleFiles)
	r.Get("/api/models/{urn}/status", g.handleStatus)
	r.Post("/api/cache/{urn}", g.handleCache)
	r.Delete("/api/cache/{urn}", g.handleClear)
	r.Get("/api/cache", g.handleList)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	for _, route := range cfg.Routes {
		target, err := url.Parse(route.Target)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse target: %w", route.Prefix, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		r.Handle(route.Prefix+"/*", http.StripPrefix(route.Prefix, proxy))
	}

	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	g.router = r
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.log.Trace().Str("method", r.Method).Str("uri", r.RequestURI).Msg("gateway request")
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	tok, ttl, err := g.cfg.Tokens.Token(r.Context())
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	g.writeJSON(w, http.StatusOK, token.Grant{
		AccessToken: tok,
		ExpiresIn:   int64(ttl.Seconds()),
	})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if g.cfg.ModelsURL == "" {
		g.writeError(w, http.StatusNotFound, fmt.Errorf("models endpoint not configured"))
		return
	}
	tok, _, err := g.cfg.Tokens.Token(r.Context())
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, g.cfg.ModelsURL, nil)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	res, err := g.client.Do(req)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		g.log.Warn().Err(err).Msg("relaying models listing")
	}
}

func (g *Gateway) handleFiles(w http.ResponseWriter, r *http.Request) {
	urn := urlParam(r, "urn")
	tok, _, err := g.cfg.Tokens.Token(r.Context())
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	files, err := g.cfg.Service.ListFiles(r.Context(), urn, tok)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	g.writeJSON(w, http.StatusOK, files)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	urn := urlParam(r, "urn")
	g.writeJSON(w, http.StatusOK, map[string]string{
		"urn":    urn,
		"status": string(g.cfg.Frontend.Status(urn)),
	})
}

func (g *Gateway) handleCache(w http.ResponseWriter, r *http.Request) {
	urn := urlParam(r, "urn")
	urls, err := g.cfg.Frontend.CacheModel(r.Context(), urn)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	g.writeJSON(w, http.StatusOK, okReply(urls))
}

func (g *Gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	urn := urlParam(r, "urn")
	urls, err := g.cfg.Frontend.ClearModel(r.Context(), urn)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	g.writeJSON(w, http.StatusOK, okReply(urls))
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	urls, err := g.cfg.Frontend.ListCached(r.Context())
	if err != nil {
		g.writeError(w, http.StatusBadGateway, err)
		return
	}
	g.writeJSON(w, http.StatusOK, okReply(urls))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		g.log.Error().Err(err).Msg("encoding response")
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	g.log.Warn().Err(err).Int("status", status).Msg("gateway error")
	g.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// urlParam returns the named route parameter percent-decoded. chi matches
// on the raw path, so encoded urns arrive escaped.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if dec, err := url.PathUnescape(v); err == nil {
		return dec
	}
	return v
}
