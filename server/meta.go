package server

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/aep/strata/api"
	"github.com/aep/strata/db"
	"github.com/labstack/echo/v4"
)

// CreateDatabase creates or upgrades one database so that it holds
// exactly the requested stores, indices and schemas. The whole reshape
// runs inside the engine's version change transaction: either the new
// version commits with every store and index in place, or nothing
// changes.
func (s *server) CreateDatabase(c echo.Context) error {
	ctx := c.Request().Context()

	var req api.CreateDatabaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Version == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be at least 1")
	}
	for name, spec := range req.Stores {
		if strings.HasPrefix(name, "_") {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("store %q: names starting with _ are reserved", name))
		}
		if spec.Schema != "" {
			if _, err := compileSchema(spec.Schema); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest,
					fmt.Sprintf("schema for store %q: %v", name, err))
			}
		}
	}

	// The reshape is a diff against what is stored now.
	var existing []string
	infos, err := db.Databases(ctx, s.eng)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Name != req.Name {
			continue
		}
		if req.Version < info.Version {
			return echo.NewHTTPError(http.StatusConflict,
				fmt.Sprintf("version %d is below stored version %d", req.Version, info.Version))
		}
		cur, err := s.database(ctx, req.Name)
		if err != nil {
			return err
		}
		existing = cur.Stores()
		if req.Version == info.Version {
			want := slices.Sorted(maps.Keys(req.Stores))
			if !slices.Equal(want, userStores(existing)) {
				return echo.NewHTTPError(http.StatusConflict,
					fmt.Sprintf("version %d already exists with a different store layout", req.Version))
			}
			return c.JSON(http.StatusOK, api.DatabaseInfo{
				Name:    req.Name,
				Version: info.Version,
				Stores:  userStores(existing),
			})
		}
	}

	d, err := db.Open(ctx, s.eng, req.Name, req.Version,
		s.reshape(ctx, &req, existing), db.WithPublisher(s.bus)).Await(ctx)
	if err != nil {
		return err
	}

	for _, name := range userStores(existing) {
		s.schemaCache.Delete(req.Name + "/" + name)
	}
	for name := range req.Stores {
		s.schemaCache.Delete(req.Name + "/" + name)
	}
	s.swap(req.Name, d)

	log.Info("[server] database upgraded", "db", req.Name, "version", req.Version)
	return c.JSON(http.StatusOK, api.DatabaseInfo{
		Name:    req.Name,
		Version: d.Version(),
		Stores:  userStores(d.Stores()),
	})
}

// reshape builds the migration that turns the existing store set into
// the requested one: create what is missing, rewire indices that
// changed, drop what the request no longer names, and persist each
// store's spec in the reserved schema store.
func (s *server) reshape(ctx context.Context, req *api.CreateDatabaseRequest, existing []string) db.MigrateFunc {
	return func(oldVersion, newVersion uint64, t *db.Txn) error {
		specs, err := specStore(ctx, t, existing)
		if err != nil {
			return err
		}

		for _, name := range slices.Sorted(maps.Keys(req.Stores)) {
			spec := req.Stores[name]

			var st *db.Store
			if slices.Contains(existing, name) {
				st, err = t.Store(name)
			} else {
				st, err = t.CreateStore(name).Await(ctx)
			}
			if err != nil {
				return err
			}

			var old api.StoreSpec
			raw, err := specs.Get([]byte(name)).Await(ctx)
			if err != nil {
				return err
			}
			if raw != nil {
				if err := json.Unmarshal(raw, &old); err != nil {
					old = api.StoreSpec{}
				}
			}

			for _, idx := range slices.Sorted(maps.Keys(spec.Indices)) {
				path := spec.Indices[idx]
				if oldPath, ok := old.Indices[idx]; ok {
					if oldPath == path {
						continue
					}
					// Path changed: rebuild from scratch.
					if _, err := st.DeleteIndex(idx).Await(ctx); err != nil {
						return err
					}
				}
				if _, err := st.CreateIndex(idx, path).Await(ctx); err != nil {
					return err
				}
			}
			for _, idx := range slices.Sorted(maps.Keys(old.Indices)) {
				if _, keep := spec.Indices[idx]; keep {
					continue
				}
				if _, err := st.DeleteIndex(idx).Await(ctx); err != nil {
					return err
				}
			}

			b, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			if _, err := specs.Put([]byte(name), b).Await(ctx); err != nil {
				return err
			}
		}

		for _, name := range existing {
			if name == schemaStore {
				continue
			}
			if _, keep := req.Stores[name]; keep {
				continue
			}
			if _, err := t.DeleteStore(name).Await(ctx); err != nil {
				return err
			}
			if _, err := specs.Delete([]byte(name)).Await(ctx); err != nil {
				return err
			}
		}

		return nil
	}
}

func specStore(ctx context.Context, t *db.Txn, existing []string) (*db.Store, error) {
	if slices.Contains(existing, schemaStore) {
		return t.Store(schemaStore)
	}
	return t.CreateStore(schemaStore).Await(ctx)
}

func (s *server) Databases(c echo.Context) error {
	infos, err := db.Databases(c.Request().Context(), s.eng)
	if err != nil {
		return err
	}
	out := make([]api.DatabaseInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, api.DatabaseInfo{Name: info.Name, Version: info.Version})
	}
	return c.JSON(http.StatusOK, api.DatabasesResponse{Databases: out})
}

func (s *server) DatabaseInfo(c echo.Context) error {
	d, err := s.database(c.Request().Context(), c.Param("db"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, api.DatabaseInfo{
		Name:    d.Name(),
		Version: d.Version(),
		Stores:  userStores(d.Stores()),
	})
}

// DeleteDatabase removes a database and everything in it. Deleting a
// name that never existed succeeds, like the engine it fronts.
func (s *server) DeleteDatabase(c echo.Context) error {
	name := c.Param("db")
	s.drop(name)
	if err := db.DeleteDatabase(c.Request().Context(), s.eng, name); err != nil {
		return err
	}
	log.Info("[server] database deleted", "db", name)
	return c.NoContent(http.StatusOK)
}
