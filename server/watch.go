package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aep/strata/api"
	"github.com/labstack/echo/v4"
)

// Watch streams committed changes as server-sent events. The subject
// query parameter filters in bus syntax; the default sees every change
// on every database. The stream stays open until the client goes away
// or the bus closes.
func (s *server) Watch(c echo.Context) error {
	subject := c.QueryParam("subject")
	if subject == "" {
		subject = "strata.change.>"
	}

	ch, cancel, err := s.bus.Subscribe(subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	watchSubscribers.Inc()
	defer watchSubscribers.Dec()
	log.Debug("[server].watch:", "subject", subject)

	// Heartbeats keep intermediaries from timing the stream out and
	// surface dead clients as write errors.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case change, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(api.Change{
				Txn:   change.Txn,
				DB:    change.DB,
				Store: change.Store,
				Op:    string(change.Op),
				Key:   string(change.Key),
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
