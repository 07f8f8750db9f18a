package api

import (
	"encoding/json"
	"fmt"
)

// Record is one stored document. Keys on the HTTP surface are strings;
// binary keys stay a concern of the embedded API.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type PutRecordResponse struct {
	Path string `json:"path,omitempty"`
}

type ScanResponse struct {
	Records []Record `json:"records"`
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

// StoreSpec declares one object store inside a database. Indices map
// index name to a dot separated field path; only string fields are
// indexed. Schema is optional CUE source every record written through
// the server must satisfy.
type StoreSpec struct {
	Indices map[string]string `json:"indices,omitempty"`
	Schema  string            `json:"schema,omitempty"`
}

// CreateDatabaseRequest creates or upgrades a database to Version with
// exactly the given stores. Stores present in an earlier version but
// absent here are dropped, with their records.
type CreateDatabaseRequest struct {
	Name    string               `json:"name"`
	Version uint64               `json:"version"`
	Stores  map[string]StoreSpec `json:"stores"`
}

type DatabaseInfo struct {
	Name    string   `json:"name"`
	Version uint64   `json:"version"`
	Stores  []string `json:"stores,omitempty"`
}

type DatabasesResponse struct {
	Databases []DatabaseInfo `json:"databases"`
}

// Change mirrors one committed mutation on the watch stream.
type Change struct {
	Txn   string `json:"txn"`
	DB    string `json:"db"`
	Store string `json:"store"`
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}
