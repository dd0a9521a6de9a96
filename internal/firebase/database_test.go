package firebase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/score-tracker/internal/config"
	"github.com/score-tracker/internal/domain"
)

// fakeDatabase serves the subset of the Realtime Database REST protocol the
// store uses: push, reads, orderBy queries and ETag-guarded writes on a
// single reference.
type fakeDatabase struct {
	mu       sync.Mutex
	ref      string
	children map[string]any
	nextKey  int
	denied   bool
	requests []*url.URL
}

func newFakeDatabase(ref string) *fakeDatabase {
	return &fakeDatabase{ref: ref, children: map[string]any{}}
}

// newTestStore opens a Store through the admin SDK against a fake database
func newTestStore(t *testing.T) (*Store, *fakeDatabase) {
	t.Helper()
	fake := newFakeDatabase("scores")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &config.FirebaseConfig{
		DatabaseURL: srv.URL + "?ns=scores-test",
		Ref:         "scores",
	}
	s, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s, fake
}

func (f *fakeDatabase) seed(key string, rec domain.ScoreRecord) {
	data, _ := json.Marshal(rec)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.children[key] = decodeJSON(data)
}

func (f *fakeDatabase) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.children[key]
	return ok
}

func (f *fakeDatabase) lastQuery() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1].Query()
}

func (f *fakeDatabase) deny() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied = true
}

func (f *fakeDatabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.URL)

	if f.denied {
		writeFake(w, http.StatusUnauthorized, map[string]string{"error": "Permission denied"})
		return
	}

	path := strings.Trim(strings.TrimSuffix(r.URL.Path, ".json"), "/")
	parts := strings.Split(path, "/")
	if parts[0] != f.ref || len(parts) > 2 {
		writeFake(w, http.StatusBadRequest, map[string]string{"error": "unsupported path"})
		return
	}

	if len(parts) == 1 {
		f.serveRef(w, r)
		return
	}
	f.serveChild(w, r, parts[1])
}

func (f *fakeDatabase) serveRef(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result, err := f.query(r.URL.Query())
		if err != nil {
			writeFake(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if len(result) == 0 {
			writeFake(w, http.StatusOK, nil)
			return
		}
		writeFake(w, http.StatusOK, result)

	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		f.nextKey++
		key := fmt.Sprintf("-Nkey%04d", f.nextKey)
		f.children[key] = decodeJSON(body)
		writeFake(w, http.StatusOK, map[string]string{"name": key})

	default:
		writeFake(w, http.StatusMethodNotAllowed, nil)
	}
}

func (f *fakeDatabase) serveChild(w http.ResponseWriter, r *http.Request, key string) {
	current := f.children[key]

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("ETag", etag(current))
		writeFake(w, http.StatusOK, current)

	case http.MethodPut:
		if match := r.Header.Get("If-Match"); match != "" && match != etag(current) {
			w.Header().Set("ETag", etag(current))
			writeFake(w, http.StatusPreconditionFailed, current)
			return
		}
		body, _ := io.ReadAll(r.Body)
		next := decodeJSON(body)
		if next == nil {
			delete(f.children, key)
		} else {
			f.children[key] = next
		}
		w.Header().Set("ETag", etag(next))
		writeFake(w, http.StatusOK, next)

	default:
		writeFake(w, http.StatusMethodNotAllowed, nil)
	}
}

// query applies orderBy with equalTo, startAt and limitToLast
func (f *fakeDatabase) query(params url.Values) (map[string]any, error) {
	if params.Get("orderBy") == "" {
		return f.children, nil
	}

	var field string
	if err := json.Unmarshal([]byte(params.Get("orderBy")), &field); err != nil {
		return nil, fmt.Errorf("orderBy: %w", err)
	}

	type child struct {
		key   string
		value domain.Value
	}
	var matched []child
	for key, raw := range f.children {
		var v any
		if m, ok := raw.(map[string]any); ok {
			v = m[field]
		}
		value, err := domain.FromInterface(v)
		if err != nil {
			return nil, err
		}
		matched = append(matched, child{key: key, value: value})
	}

	filter := func(param string, keep func(c int) bool) error {
		if !params.Has(param) {
			return nil
		}
		bound, err := domain.FromInterface(decodeJSON([]byte(params.Get(param))))
		if err != nil {
			return err
		}
		kept := matched[:0]
		for _, c := range matched {
			if keep(domain.Compare(c.value, bound)) {
				kept = append(kept, c)
			}
		}
		matched = kept
		return nil
	}
	if err := filter("equalTo", func(c int) bool { return c == 0 }); err != nil {
		return nil, err
	}
	if err := filter("startAt", func(c int) bool { return c >= 0 }); err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if c := domain.Compare(matched[i].value, matched[j].value); c != 0 {
			return c < 0
		}
		return matched[i].key < matched[j].key
	})

	if params.Has("limitToLast") {
		n, err := strconv.Atoi(params.Get("limitToLast"))
		if err != nil {
			return nil, fmt.Errorf("limitToLast: %w", err)
		}
		if len(matched) > n {
			matched = matched[len(matched)-n:]
		}
	}

	out := make(map[string]any, len(matched))
	for _, c := range matched {
		out[c.key] = f.children[c.key]
	}
	return out, nil
}

func decodeJSON(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func etag(v any) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFake(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
