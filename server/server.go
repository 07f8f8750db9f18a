// Package server exposes the store over HTTP. One process owns one
// engine; databases open lazily on first use and the handles stay
// cached until a version change replaces them. Record bodies are JSON
// documents, validated against the store's CUE schema when one is
// declared.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aep/strata/api"
	"github.com/aep/strata/bus"
	"github.com/aep/strata/db"
	"github.com/aep/strata/engine"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"
	"github.com/maypok86/otter"
)

var log = slog.New(tint.NewHandler(os.Stderr, nil))

// schemaStore is the reserved store carrying one StoreSpec record per
// user store. It is created by the first version change and hidden
// from store listings; reads are allowed, writes only happen through
// CreateDatabase.
const schemaStore = "_schema"

type server struct {
	eng engine.Engine
	bus bus.Bus

	schemaCache otter.Cache[string, *storeSchema]

	mu  sync.Mutex
	dbs map[string]*db.DB
}

func newServer(eng engine.Engine, bs bus.Bus) *server {
	cache, err := otter.MustBuilder[string, *storeSchema](10000).
		WithTTL(60 * time.Second).
		Build()
	if err != nil {
		panic(err)
	}

	return &server{
		eng:         eng,
		bus:         bs,
		schemaCache: cache,
		dbs:         map[string]*db.DB{},
	}
}

// database returns the open handle for name, opening it at the stored
// version on first use. Databases come into existence through
// CreateDatabase only; a name the engine has never seen is NotFound
// rather than implicitly created.
func (s *server) database(ctx context.Context, name string) (*db.DB, error) {
	s.mu.Lock()
	d, ok := s.dbs[name]
	s.mu.Unlock()
	if ok {
		return d, nil
	}

	infos, err := db.Databases(ctx, s.eng)
	if err != nil {
		return nil, err
	}
	known := false
	for _, info := range infos {
		if info.Name == name {
			known = true
			break
		}
	}
	if !known {
		return nil, engine.NewError(engine.KindNotFound, "no such database: %s", name)
	}

	d, err = db.Open(ctx, s.eng, name, 0, nil, db.WithPublisher(s.bus)).Await(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.dbs[name]; ok {
		d.Close()
		return cur, nil
	}
	s.dbs[name] = d
	return d, nil
}

// swap installs a freshly opened handle, closing the one it replaces.
// A version change fixes a new store set, so the old handle must not
// serve another request.
func (s *server) swap(name string, d *db.DB) {
	s.mu.Lock()
	old := s.dbs[name]
	s.dbs[name] = d
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *server) drop(name string) {
	s.mu.Lock()
	old := s.dbs[name]
	delete(s.dbs, name)
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (s *server) routes(e *echo.Echo) {
	e.GET("/v1/db", s.Databases)
	e.POST("/v1/db", s.CreateDatabase)
	e.GET("/v1/db/:db", s.DatabaseInfo)
	e.DELETE("/v1/db/:db", s.DeleteDatabase)

	e.GET("/v1/db/:db/:store/records", s.Scan)
	e.GET("/v1/db/:db/:store/records/:key", s.GetRecord)
	e.PUT("/v1/db/:db/:store/records/:key", s.PutRecord)
	e.POST("/v1/db/:db/:store/records/:key", s.AddRecord)
	e.DELETE("/v1/db/:db/:store/records/:key", s.DeleteRecord)
	e.GET("/v1/db/:db/:store/count", s.Count)
	e.GET("/v1/db/:db/:store/index/:index", s.IndexScan)
	e.GET("/v1/db/:db/:store/index/:index/count", s.IndexCount)

	e.GET("/v1/watch", s.Watch)
}

// errorHandler renders every error as an api.Error body. Engine error
// kinds carry their own status mapping; echo errors keep their code.
func (s *server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	kind := ""
	msg := err.Error()

	var he *echo.HTTPError
	var ee *engine.Error
	switch {
	case errors.As(err, &ee):
		status = kindStatus(ee.Kind)
		kind = string(ee.Kind)
		msg = ee.Error()
	case errors.As(err, &he):
		status = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, &api.Error{Status: status, Kind: kind, Message: msg})
	}
	if err != nil {
		log.Debug("[server] error response failed", "err", err)
	}
}

func kindStatus(k engine.Kind) int {
	switch k {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindConstraint:
		return http.StatusConflict
	case engine.KindInvalidState:
		return http.StatusBadRequest
	case engine.KindAborted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Options carries everything Main needs to come up. Zero values fall
// back to a plain HTTP listener with an in-process change bus.
type Options struct {
	Listen        string
	MetricsListen string
	DataDir       string
	NatsEmbedded  bool
	NatsURL       string
	CACert        string
	ServerCert    string
	ServerKey     string
}

func Main(o Options) {
	eng, err := engine.NewPebble(o.DataDir)
	if err != nil {
		panic(err)
	}

	var bs bus.Bus
	switch {
	case o.NatsURL != "":
		bs, err = bus.Connect(o.NatsURL)
	case o.NatsEmbedded:
		bs, err = bus.NewEmbedded(o.DataDir)
	default:
		bs = bus.NewSolo()
	}
	if err != nil {
		panic(err)
	}

	s := newServer(eng, bs)
	s.warmup()

	go s.statsd(o.MetricsListen)

	e := echo.New()
	e.HideBanner = true
	e.Binder = &Binder{defaultBinder: &echo.DefaultBinder{}}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Logger())
	e.Use(TracingMiddleware)
	e.Use(PrometheusMiddleware)

	s.routes(e)

	if o.ServerCert != "" {
		srv := &http.Server{
			Addr:      o.Listen,
			Handler:   e,
			TLSConfig: serverTLS(o.CACert),
		}
		log.Info("[server] listening", "addr", o.Listen, "mtls", o.CACert != "")
		panic(srv.ListenAndServeTLS(o.ServerCert, o.ServerKey))
	}

	log.Info("[server] listening", "addr", o.Listen)
	e.Logger.Fatal(e.Start(o.Listen))
}

// serverTLS builds the listener TLS config. A CA path switches on
// client certificate verification.
func serverTLS(caPath string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if caPath == "" {
		return cfg
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		panic(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		panic("no certificates found in " + caPath)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg
}
