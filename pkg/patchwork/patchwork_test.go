// Copyright 2025 nipa-go project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package patchwork

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return clientFor(srv), srv
}

func clientFor(srv *httptest.Server) *Client {
	return &Client{
		server:      strings.TrimPrefix(srv.URL, "http://"),
		proto:       "http://",
		user:        "nipa",
		token:       "secret",
		project:     319,
		client:      srv.Client(),
		sleep:       func(time.Duration) {},
		maxAttempts: 10,
	}
}

func TestPagination(t *testing.T) {
	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/patches/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%v/api/1.1/patches/?page=2>; rel="next"`, base))
			fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
		case "2":
			w.Header().Set("Link", fmt.Sprintf(
				`<%v/api/1.1/patches/?page=1>; rel="prev", <%v/api/1.1/patches/?page=3>; rel="next"`,
				base, base))
			fmt.Fprint(w, `[{"id": 3}]`)
		case "3":
			fmt.Fprint(w, `[{"id": 4}]`)
		}
	})
	pw, srv := testClient(t, mux)
	base = srv.URL

	patches, err := pw.ListPatches(nil)
	require.NoError(t, err)
	var ids []int
	for _, patch := range patches {
		ids = append(ids, patch.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, ids)
}

func TestTransientRetry(t *testing.T) {
	// A server that drops the first two connections and then serves.
	fails := 2
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fails > 0 {
			fails--
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"id": 7, "name": "series"}`)
	}))
	t.Cleanup(srv.Close)
	pw := clientFor(srv)

	series, err := pw.GetSeries(7)
	require.NoError(t, err)
	assert.Equal(t, 7, series.ID)
	assert.Equal(t, 0, fails)
}

func TestRetriesExhausted(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	pw := clientFor(srv)

	_, err := pw.GetSeries(7)
	require.Error(t, err)
	assert.Equal(t, 10, attempts)
}

func TestGetByMessageId(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/patches/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("msgid") == "20250101-net-1@example.org" {
			fmt.Fprint(w, `[{"id": 11, "pull_url": "git://example.org/net"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	pw, _ := testClient(t, mux)

	raw, err := pw.GetByMessageId("patches", "<20250101-net-1@example.org>")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pull_url"`)

	raw, err = pw.GetByMessageId("patches", "<unknown@example.org>")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestPostCheck(t *testing.T) {
	posts := 0
	var lastAuth string
	var lastData url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/patches/11/checks/", func(w http.ResponseWriter, r *http.Request) {
		posts++
		lastAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		lastData = r.PostForm
		if posts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	pw, _ := testClient(t, mux)

	err := pw.PostCheck(11, "build_clang", CheckWarning, "https://x/1", "warnings: 2")
	require.NoError(t, err)
	// First POST got 502, the one retry succeeded.
	assert.Equal(t, 2, posts)
	assert.Equal(t, "Token secret", lastAuth)
	assert.Equal(t, "build_clang", lastData.Get("context"))
	assert.Equal(t, "warning", lastData.Get("state"))
}

func TestPostCheckHardFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/patches/11/checks/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	})
	pw, _ := testClient(t, mux)

	err := pw.PostCheck(11, "build_clang", CheckSuccess, "", "")
	var postErr *PostError
	require.ErrorAs(t, err, &postErr)
	assert.Equal(t, http.StatusForbidden, postErr.Status)
}

func TestListNewSeriesSince(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/series/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-01-01T00:00:00", r.URL.Query().Get("since"))
		fmt.Fprint(w, `[
			{"id": 1, "date": "2025-01-01T10:00:00", "received_all": true},
			{"id": 2, "date": "2025-01-02T09:30:00", "received_all": false}
		]`)
	})
	pw, _ := testClient(t, mux)

	series, cursor, err := pw.ListNewSeriesSince("2025-01-01T00:00:00")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "2025-01-02T09:30:00", cursor)
	assert.False(t, series[1].ReceivedAll)
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<http://x/api?page=2>; rel="next"`, "http://x/api?page=2"},
		{`<http://x/api?page=1>; rel="prev", <http://x/api?page=3>; rel="next"`, "http://x/api?page=3"},
		{`<http://x/api?page=1>; rel="prev"`, ""},
	}
	for _, test := range tests {
		if got := nextLink(test.header); got != test.want {
			t.Errorf("nextLink(%q) = %q, want %q", test.header, got, test.want)
		}
	}
}
