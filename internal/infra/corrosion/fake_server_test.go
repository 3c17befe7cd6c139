package corrosion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type fakeRow struct {
	rowID    uint64
	key      string
	payload  string
	sequence int64
}

// fakeCorrosion serves the subset of the Corrosion HTTP API the client uses,
// over cleartext HTTP/2.
type fakeCorrosion struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	rows     map[string]*fakeRow
	order    []string
	changeID uint64
	members  int
	execErr  string
	created  []string
	subs     map[chan []byte]struct{}
	subCount int
	resumes  []string
	done     chan struct{}
}

func newFakeCorrosion(t *testing.T) *fakeCorrosion {
	t.Helper()
	f := &fakeCorrosion{
		t:    t,
		rows: map[string]*fakeRow{},
		subs: map[chan []byte]struct{}{},
		done: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/migrations", f.handleMigrate)
	mux.HandleFunc("POST /v1/transactions", f.handleExec)
	mux.HandleFunc("POST /v1/queries", f.handleQuery)
	mux.HandleFunc("POST /v1/subscriptions", f.handleSubscribe)
	mux.HandleFunc("GET /v1/subscriptions/{id}", f.handleResume)
	mux.HandleFunc("GET /v1/health", f.handleHealth)

	f.srv = httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(func() {
		close(f.done)
		f.srv.Close()
	})
	return f
}

func (f *fakeCorrosion) client(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	addr := netip.MustParseAddrPort(f.srv.Listener.Addr().String())
	c, err := NewClient(addr, opts...)
	require.NoError(t, err)
	return c
}

func (f *fakeCorrosion) seed(key, payload string, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertLocked(key, payload, seq)
}

func (f *fakeCorrosion) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// failStreams sends an error event to every open subscription.
func (f *fakeCorrosion) failStreams(msg string) {
	f.broadcast(map[string]any{"error": msg})
}

func (f *fakeCorrosion) broadcast(event any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastLocked(event)
}

func (f *fakeCorrosion) broadcastLocked(event any) {
	b, err := json.Marshal(event)
	require.NoError(f.t, err)
	for ch := range f.subs {
		ch <- b
	}
}

func (f *fakeCorrosion) upsertLocked(key, payload string, seq int64) {
	kind := ChangeUpdate
	row, ok := f.rows[key]
	if !ok {
		kind = ChangeInsert
		row = &fakeRow{rowID: uint64(len(f.order) + 1), key: key}
		f.rows[key] = row
		f.order = append(f.order, key)
	}
	row.payload = payload
	row.sequence = seq

	f.changeID++
	f.broadcastLocked(map[string]any{
		"change": []any{kind, row.rowID, []any{row.key, row.payload, row.sequence}, f.changeID},
	})
}

func (f *fakeCorrosion) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var stmts []string
	if err := json.NewDecoder(r.Body).Decode(&stmts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.created = append(f.created, stmts...)
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeCorrosion) handleExec(w http.ResponseWriter, r *http.Request) {
	var stmts []Statement
	if err := json.NewDecoder(r.Body).Decode(&stmts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != "" {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []any{map[string]any{"error": f.execErr}},
		})
		return
	}

	var results []any
	for _, s := range stmts {
		if strings.HasPrefix(s.Query, "INSERT") {
			seq, _ := s.Params[2].(float64)
			f.upsertLocked(s.Params[0].(string), s.Params[1].(string), int64(seq))
		}
		results = append(results, map[string]any{"rows_affected": 1, "time": 0.001})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func (f *fakeCorrosion) handleQuery(w http.ResponseWriter, r *http.Request) {
	var stmt Statement
	if err := json.NewDecoder(r.Body).Decode(&stmt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	events := f.resultLocked(stmt.Query)
	f.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, e := range events {
		_ = enc.Encode(e)
	}
}

// resultLocked renders the columns, rows and end-of-query events for query.
func (f *fakeCorrosion) resultLocked(query string) []any {
	if strings.Contains(query, "COUNT(*)") {
		return []any{
			map[string]any{"columns": []string{"COUNT(*)"}},
			map[string]any{"row": []any{1, []any{len(f.order)}}},
			map[string]any{"eoq": map[string]any{"time": 0.001}},
		}
	}
	events := []any{map[string]any{"columns": []string{"key", "payload", "sequence"}}}
	for _, k := range f.order {
		row := f.rows[k]
		events = append(events, map[string]any{
			"row": []any{row.rowID, []any{row.key, row.payload, row.sequence}},
		})
	}
	return append(events, map[string]any{"eoq": map[string]any{"time": 0.001, "change_id": f.changeID}})
}

func (f *fakeCorrosion) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var stmt Statement
	if err := json.NewDecoder(r.Body).Decode(&stmt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.subCount++
	w.Header().Set("corro-query-id", "sub-"+strings.Repeat("x", f.subCount))
	var initial []any
	if r.URL.Query().Get("skip_rows") != "true" {
		initial = f.resultLocked(stmt.Query)
	}
	ch := f.registerLocked()
	f.mu.Unlock()
	f.serveStream(w, r, ch, initial)
}

// handleResume continues a subscription with the changes made from now on.
func (f *fakeCorrosion) handleResume(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.resumes = append(f.resumes, r.PathValue("id")+"@"+r.URL.Query().Get("from"))
	ch := f.registerLocked()
	f.mu.Unlock()
	f.serveStream(w, r, ch, nil)
}

func (f *fakeCorrosion) registerLocked() chan []byte {
	ch := make(chan []byte, 4096)
	f.subs[ch] = struct{}{}
	return ch
}

func (f *fakeCorrosion) serveStream(w http.ResponseWriter, r *http.Request, ch chan []byte, initial []any) {
	defer func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}()

	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range initial {
		_ = enc.Encode(e)
	}
	flusher.Flush()

	for {
		select {
		case b := <-ch:
			_, _ = w.Write(append(b, '\n'))
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-f.done:
			return
		}
	}
}

func (f *fakeCorrosion) handleHealth(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	h := Health{Members: f.members}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"response": h})
}
