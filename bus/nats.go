package bus

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/aep/strata/db"
)

// changeStream holds every published change for a day. One stream, one
// subject space; the per-database topics fan out under it.
const (
	changeStream   = "STRATA_CHANGES"
	changeSubjects = "strata.change.>"
)

type Nats struct {
	srv *natsd.Server
	nc  *nats.Conn
	js  nats.JetStreamContext

	m       sync.Mutex
	cancels map[int]func()
	next    int
}

var _ Bus = (*Nats)(nil)

// NewEmbedded boots an in-process JetStream server under dir and
// connects to it on a random port. The server is private to this
// process unless the caller exposes its ClientURL.
func NewEmbedded(dir string) (*Nats, error) {
	opts := &natsd.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  filepath.Join(dir, "nats"),
		NoSigs:    true,
	}
	srv, err := natsd.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats did not come up")
	}
	log.Debug("[bus].nats:", "url", srv.ClientURL())

	n, err := connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	n.srv = srv
	return n, nil
}

// Connect joins an external NATS server that already runs JetStream.
func Connect(url string) (*Nats, error) {
	return connect(url)
}

func connect(url string) (*Nats, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	n := &Nats{nc: nc, js: js, cancels: make(map[int]func())}
	if err := n.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return n, nil
}

func (n *Nats) ensureStream() error {
	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:     changeStream,
		Subjects: []string{changeSubjects},
		Replicas: 1,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		Discard:  nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("create change stream [needs a nats-server with -js]: %w", err)
	}
	return nil
}

func (n *Nats) Publish(ch db.Change) error {
	payload, err := json.Marshal(&ch)
	if err != nil {
		return err
	}
	_, err = n.js.Publish(ch.Topic(), payload)
	return err
}

func (n *Nats) Subscribe(subject string) (<-chan db.Change, func(), error) {
	msgs := make(chan *nats.Msg, soloBuffer)
	sub, err := n.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan db.Change, soloBuffer)
	go func() {
		defer close(out)
		for m := range msgs {
			var ch db.Change
			if err := json.Unmarshal(m.Data, &ch); err != nil {
				log.Warn("[bus].decode:", "subject", m.Subject, "err", err)
				continue
			}
			out <- ch
		}
	}()
	n.m.Lock()
	id := n.next
	n.next++
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.m.Lock()
			delete(n.cancels, id)
			n.m.Unlock()
			if err := sub.Unsubscribe(); err != nil {
				log.Debug("[bus].unsubscribe:", "err", err)
			}
			close(msgs)
		})
	}
	n.cancels[id] = cancel
	n.m.Unlock()
	return out, cancel, nil
}

func (n *Nats) Close() error {
	n.m.Lock()
	cancels := make([]func(), 0, len(n.cancels))
	for _, c := range n.cancels {
		cancels = append(cancels, c)
	}
	n.m.Unlock()
	for _, c := range cancels {
		c()
	}

	n.nc.Close()
	if n.srv != nil {
		n.srv.Shutdown()
		n.srv.WaitForShutdown()
	}
	return nil
}
