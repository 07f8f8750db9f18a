package server

import (
	"context"
	"encoding/json"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/aep/strata/api"
	"github.com/aep/strata/db"
	"github.com/aep/strata/engine"
)

// storeSchema is one compiled CUE schema. The cue context must outlive
// every value derived from it, so it rides along.
type storeSchema struct {
	cctx   *cue.Context
	schema cue.Value
}

func compileSchema(src string) (*storeSchema, error) {
	cctx := cuecontext.New()
	schema := cctx.CompileString(src)
	if schema.Err() != nil {
		return nil, schema.Err()
	}
	return &storeSchema{cctx: cctx, schema: schema}, nil
}

// apply unifies one JSON document with the schema and returns the
// completed form, defaults filled in. JSON is valid CUE, so the body
// compiles directly and numbers never detour through float64.
func (ss *storeSchema) apply(body []byte) ([]byte, error) {
	v := ss.cctx.CompileBytes(body)
	if v.Err() != nil {
		return nil, v.Err()
	}

	unified := ss.schema.Unify(v)
	if err := unified.Err(); err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		return nil, err
	}

	return unified.MarshalJSON()
}

// storeSpec loads the stored spec for one store. Nil when the database
// predates schema tracking or the store never declared one.
func (s *server) storeSpec(ctx context.Context, d *db.DB, store string) (*api.StoreSpec, error) {
	if !slices.Contains(d.Stores(), schemaStore) {
		return nil, nil
	}
	raw, err := d.Get(ctx, schemaStore, []byte(store))
	if err != nil || raw == nil {
		return nil, err
	}
	spec := new(api.StoreSpec)
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, engine.WrapError(engine.KindEngine, err, "corrupt store spec for %q", store)
	}
	return spec, nil
}

// schemaFor resolves the compiled schema guarding one store, nil when
// it has none. Compiled schemas cache for a minute; CreateDatabase
// drops affected entries eagerly.
func (s *server) schemaFor(ctx context.Context, d *db.DB, dbName, store string) (*storeSchema, error) {
	key := dbName + "/" + store
	if ss, ok := s.schemaCache.Get(key); ok {
		return ss, nil
	}

	spec, err := s.storeSpec(ctx, d, store)
	if err != nil {
		return nil, err
	}
	var ss *storeSchema
	if spec != nil && spec.Schema != "" {
		ss, err = compileSchema(spec.Schema)
		if err != nil {
			return nil, engine.WrapError(engine.KindEngine, err,
				"stored schema for %q does not compile", store)
		}
	}

	s.schemaCache.Set(key, ss)
	return ss, nil
}

// warmup compiles every stored schema once at boot so broken ones
// surface in the log before traffic does.
func (s *server) warmup() {
	ctx := context.Background()

	infos, err := db.Databases(ctx, s.eng)
	if err != nil {
		log.Error("startup error", "err", err)
		return
	}

	for _, info := range infos {
		d, err := s.database(ctx, info.Name)
		if err != nil {
			log.Error("startup error", "db", info.Name, "err", err)
			continue
		}
		for _, store := range userStores(d.Stores()) {
			if _, err := s.schemaFor(ctx, d, info.Name, store); err != nil {
				log.Error("startup error", "db", info.Name, "store", store, "err", err)
			}
		}
	}
}

// userStores strips reserved stores from a listing.
func userStores(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == schemaStore {
			continue
		}
		out = append(out, n)
	}
	return out
}
