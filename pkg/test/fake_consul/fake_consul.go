// Package fake_consul provides an in-memory stand-in for the small part of
// the Consul HTTP API which this repo uses: the service catalog, KV reads, and
// KV check-and-set transactions.
package fake_consul

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	consulapi "github.com/hashicorp/consul/api"
)

type pair struct {
	value       []byte
	createIndex uint64
	modifyIndex uint64
}

type Consul struct {
	srv *httptest.Server

	mu       sync.Mutex
	index    uint64
	kv       map[string]*pair
	services map[string][]*consulapi.CatalogService
}

// New starts a fake Consul server, which is stopped when the test ends.
func New(t *testing.T) *Consul {
	c := &Consul{
		index:    1,
		kv:       map[string]*pair{},
		services: map[string][]*consulapi.CatalogService{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/catalog/service/", c.catalogService)
	mux.HandleFunc("/v1/kv/", c.kvGet)
	mux.HandleFunc("/v1/txn", c.txn)

	c.srv = httptest.NewServer(c.headers(mux))
	t.Cleanup(c.srv.Close)

	return c
}

// Addr returns the host:port which the fake is listening on.
func (c *Consul) Addr() string {
	return strings.TrimPrefix(c.srv.URL, "http://")
}

// Client returns a real Consul API client pointed at the fake.
func (c *Consul) Client(t *testing.T) *consulapi.Client {
	cfg := consulapi.DefaultConfig()
	cfg.Address = c.Addr()
	cfg.Scheme = "http"

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		t.Fatalf("error creating consul client: %v", err)
	}

	return client
}

// test helpers

func (c *Consul) AddService(name string, svc *consulapi.CatalogService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc.ServiceName = name
	c.services[name] = append(c.services[name], svc)
}

// Put writes a value directly, bypassing CAS, as another writer would.
func (c *Consul) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value)
}

// Get returns the raw value of a key.
func (c *Consul) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.kv[key]
	if !ok {
		return nil, false
	}
	return p.value, true
}

// http

// headers sets the response headers which the API client parses into
// QueryMeta on every request, successful or not.
func (c *Consul) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		idx := c.index
		c.mu.Unlock()

		w.Header().Set("X-Consul-Index", strconv.FormatUint(idx, 10))
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("X-Consul-LastContact", "0")
		next.ServeHTTP(w, r)
	})
}

func (c *Consul) catalogService(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/catalog/service/")

	c.mu.Lock()
	svcs := c.services[name]
	if svcs == nil {
		svcs = []*consulapi.CatalogService{}
	}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, svcs)
}

func (c *Consul) kvGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")

	c.mu.Lock()
	p, ok := c.kv[key]
	var kvp *consulapi.KVPair
	if ok {
		kvp = p.kvPair(key)
	}
	c.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, []*consulapi.KVPair{kvp})
}

type txnOp struct {
	KV *consulapi.KVTxnOp
}

func (c *Consul) txn(w http.ResponseWriter, r *http.Request) {
	var ops []txnOp
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Check every op before applying any, so the txn is all or nothing.
	errs := consulapi.TxnErrors{}
	for i, op := range ops {
		if op.KV == nil || op.KV.Verb != consulapi.KVCAS {
			errs = append(errs, &consulapi.TxnError{OpIndex: i, What: "only kv cas is supported"})
			continue
		}

		cur, exists := c.kv[op.KV.Key]
		switch {
		case op.KV.Index == 0 && exists:
			errs = append(errs, &consulapi.TxnError{OpIndex: i, What: "key already exists"})
		case op.KV.Index != 0 && (!exists || cur.modifyIndex != op.KV.Index):
			errs = append(errs, &consulapi.TxnError{OpIndex: i, What: "index is stale"})
		}
	}

	if len(errs) > 0 {
		writeJSON(w, http.StatusConflict, consulapi.TxnResponse{Errors: errs})
		return
	}

	res := consulapi.TxnResponse{}
	for _, op := range ops {
		p := c.put(op.KV.Key, op.KV.Value)

		// Like real Consul, results of write ops don't include the value.
		kvp := p.kvPair(op.KV.Key)
		kvp.Value = nil
		res.Results = append(res.Results, &consulapi.TxnResult{KV: kvp})
	}

	writeJSON(w, http.StatusOK, res)
}

// put must be called with mu held.
func (c *Consul) put(key string, value []byte) *pair {
	c.index++

	p, ok := c.kv[key]
	if !ok {
		p = &pair{createIndex: c.index}
		c.kv[key] = p
	}

	p.value = value
	p.modifyIndex = c.index
	return p
}

func (p *pair) kvPair(key string) *consulapi.KVPair {
	return &consulapi.KVPair{
		Key:         key,
		Value:       p.value,
		CreateIndex: p.createIndex,
		ModifyIndex: p.modifyIndex,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
