// Package client is a thin Go client for the strata HTTP surface, plus
// the CLI commands built on it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aep/strata/api"
)

type Client struct {
	base string
	hc   *http.Client
}

type Option func(*Client) error

// WithHTTPClient swaps the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.hc = hc
		return nil
	}
}

// WithTLS pins the server CA and presents a client certificate, for
// servers running with mutual TLS.
func WithTLS(caFile, certFile, keyFile string) Option {
	return func(c *Client) error {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		ca, err := os.ReadFile(caFile)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return fmt.Errorf("no certificate found in %s", caFile)
		}
		c.hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:   tls.VersionTLS13,
				Certificates: []tls.Certificate{cert},
				RootCAs:      pool,
			},
		}
		return nil
	}
}

func New(server string, opts ...Option) (*Client, error) {
	c := &Client{
		base: strings.TrimRight(server, "/"),
		hc:   &http.Client{},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) CreateDatabase(ctx context.Context, req api.CreateDatabaseRequest) (*api.DatabaseInfo, error) {
	var info api.DatabaseInfo
	if err := c.do(ctx, http.MethodPost, "/v1/db", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Databases(ctx context.Context) ([]api.DatabaseInfo, error) {
	var res api.DatabasesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/db", nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Databases, nil
}

func (c *Client) Database(ctx context.Context, name string) (*api.DatabaseInfo, error) {
	var info api.DatabaseInfo
	if err := c.do(ctx, http.MethodGet, "/v1/db/"+url.PathEscape(name), nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DeleteDatabase(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/db/"+url.PathEscape(name), nil, nil, nil)
}

// Put upserts one record. The value must already be JSON when passed
// as []byte or json.RawMessage; anything else is marshalled.
func (c *Client) Put(ctx context.Context, db, store, key string, value any) (string, error) {
	return c.write(ctx, http.MethodPut, db, store, key, value)
}

// Add is Put with create-only semantics; an existing key answers an
// error of kind CONSTRAINT_VIOLATION.
func (c *Client) Add(ctx context.Context, db, store, key string, value any) (string, error) {
	return c.write(ctx, http.MethodPost, db, store, key, value)
}

func (c *Client) write(ctx context.Context, method, db, store, key string, value any) (string, error) {
	var res api.PutRecordResponse
	if err := c.do(ctx, method, recordPath(db, store, key), nil, value, &res); err != nil {
		return "", err
	}
	return res.Path, nil
}

// Get reads one record. An absent key resolves nil, nil; a missing
// database or store is an error of kind NOT_FOUND.
func (c *Client) Get(ctx context.Context, db, store, key string) (json.RawMessage, error) {
	req, err := c.request(ctx, http.MethodGet, recordPath(db, store, key), nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		err := decodeError(res)
		var ae *api.Error
		// A 404 without an engine kind means the record itself is
		// absent, which mirrors the zero result of an embedded Get.
		if errors.As(err, &ae) && ae.Kind == "" {
			return nil, nil
		}
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		return nil, decodeError(res)
	}
	return io.ReadAll(res.Body)
}

func (c *Client) Delete(ctx context.Context, db, store, key string) error {
	return c.do(ctx, http.MethodDelete, recordPath(db, store, key), nil, nil, nil)
}

// ScanQuery bounds a scan. Range is a key range expression; empty
// scans everything. Limit zero takes the server default.
type ScanQuery struct {
	Range   string
	Limit   int
	Reverse bool
}

func (q ScanQuery) values() url.Values {
	v := url.Values{}
	if q.Range != "" {
		v.Set("range", q.Range)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Reverse {
		v.Set("reverse", "true")
	}
	return v
}

func (c *Client) Scan(ctx context.Context, db, store string, q ScanQuery) ([]api.Record, error) {
	var res api.ScanResponse
	p := "/v1/db/" + url.PathEscape(db) + "/" + url.PathEscape(store) + "/records"
	if err := c.do(ctx, http.MethodGet, p, q.values(), nil, &res); err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (c *Client) Count(ctx context.Context, db, store, rng string) (uint64, error) {
	v := url.Values{}
	if rng != "" {
		v.Set("range", rng)
	}
	var res api.CountResponse
	p := "/v1/db/" + url.PathEscape(db) + "/" + url.PathEscape(store) + "/count"
	if err := c.do(ctx, http.MethodGet, p, v, nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// IndexScan reads records through a secondary index in index value
// order. The query's range bounds index values, not keys.
func (c *Client) IndexScan(ctx context.Context, db, store, index string, q ScanQuery) ([]api.Record, error) {
	var res api.ScanResponse
	p := "/v1/db/" + url.PathEscape(db) + "/" + url.PathEscape(store) + "/index/" + url.PathEscape(index)
	if err := c.do(ctx, http.MethodGet, p, q.values(), nil, &res); err != nil {
		return nil, err
	}
	return res.Records, nil
}

func (c *Client) IndexCount(ctx context.Context, db, store, index, rng string) (uint64, error) {
	v := url.Values{}
	if rng != "" {
		v.Set("range", rng)
	}
	var res api.CountResponse
	p := "/v1/db/" + url.PathEscape(db) + "/" + url.PathEscape(store) + "/index/" + url.PathEscape(index) + "/count"
	if err := c.do(ctx, http.MethodGet, p, v, nil, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Watch subscribes to committed changes. The subject filters in bus
// syntax; empty sees everything. The channel closes when the stream
// ends; call cancel to end it from this side.
func (c *Client) Watch(ctx context.Context, subject string) (<-chan api.Change, func(), error) {
	v := url.Values{}
	if subject != "" {
		v.Set("subject", subject)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := c.request(ctx, http.MethodGet, "/v1/watch", v, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if res.StatusCode != http.StatusOK {
		err := decodeError(res)
		res.Body.Close()
		cancel()
		return nil, nil, err
	}

	ch := make(chan api.Change)
	go func() {
		defer close(ch)
		defer res.Body.Close()
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var change api.Change
			if err := json.Unmarshal([]byte(data), &change); err != nil {
				continue
			}
			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}

func recordPath(db, store, key string) string {
	return "/v1/db/" + url.PathEscape(db) + "/" + url.PathEscape(store) +
		"/records/" + url.PathEscape(key)
}

func (c *Client) request(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		rd = bytes.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		j, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(j)
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	req, err := c.request(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return decodeError(res)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

// decodeError reads an api.Error body. Responses that carry something
// else, a proxy page for example, degrade to the status line and a
// body excerpt.
func decodeError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var ae api.Error
	if err := json.Unmarshal(body, &ae); err == nil && ae.Message != "" {
		if ae.Status == 0 {
			ae.Status = res.StatusCode
		}
		return &ae
	}
	return fmt.Errorf("%s: %s", res.Status, strings.TrimSpace(string(body)))
}
