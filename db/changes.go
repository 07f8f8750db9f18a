package db

// Op classifies one mutation inside a transaction's change set.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "del"
	OpClear  Op = "clear"
)

// Change is one committed mutation. Changes are collected while a
// read-write transaction runs and handed to the publisher only after
// the commit is durable; an aborted transaction publishes nothing.
type Change struct {
	Txn   string `json:"txn"`
	DB    string `json:"db"`
	Store string `json:"store"`
	Op    Op     `json:"op"`
	Key   []byte `json:"key,omitempty"`
}

// Topic returns the subject a change publishes under.
func (c Change) Topic() string {
	return "strata.change." + c.DB + "." + c.Store
}

// Publisher receives the change set of every committed read-write
// transaction, one change at a time in transaction order. Publish runs
// off the engine loop and may block.
type Publisher interface {
	Publish(ch Change) error
}
