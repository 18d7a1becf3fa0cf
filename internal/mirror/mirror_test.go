package mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rawCID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	c, err := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}.Sum(data)
	require.NoError(t, err)
	return c
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func TestFetchFallsThroughToLiveGateway(t *testing.T) {
	t.Parallel()

	c := rawCID(t, []byte("hello"))
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ipfs/"+c.String() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "pdf-bytes")
	}))
	defer live.Close()

	d := New(Config{
		Gateways: []string{
			closedServerURL(t) + "/ipfs",
			closedServerURL(t) + "/ipfs/{cid}",
			live.URL + "/ipfs/",
		},
		AttemptTimeout: time.Second,
	}, zap.NewNop())

	res, err := d.Fetch(context.Background(), c.String())
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "pdf-bytes", string(body))
	require.Equal(t, live.URL+"/ipfs/"+c.String(), res.Source)
	require.Equal(t, "application/pdf", res.ContentType)
	require.False(t, res.Verified)
	require.Len(t, res.Attempted, 3)
}

func TestFetchDoesNotReplayGatewayCookies(t *testing.T) {
	t.Parallel()

	c := rawCID(t, []byte("cookie"))
	var calls atomic.Int32
	var replayed atomic.Bool
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 && r.Header.Get("Cookie") != "" {
			replayed.Store(true)
		}
		http.SetCookie(w, &http.Cookie{Name: "gw", Value: "sticky", Path: "/"})
		_, _ = io.WriteString(w, "data")
	}))
	defer gw.Close()

	d := New(Config{Gateways: []string{gw.URL + "/ipfs/"}, AttemptTimeout: time.Second}, zap.NewNop())
	for range 2 {
		res, err := d.Fetch(context.Background(), c.String())
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
	require.Equal(t, int32(2), calls.Load())
	require.False(t, replayed.Load())
}

func TestFetchReportsEveryAttemptedMirror(t *testing.T) {
	t.Parallel()

	c := rawCID(t, []byte("nothing here"))
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	gateways := []string{closedServerURL(t), closedServerURL(t), missing.URL + "/ipfs"}
	d := New(Config{Gateways: gateways, AttemptTimeout: time.Second}, zap.NewNop())

	_, err := d.Fetch(context.Background(), c.String())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, c.String(), fetchErr.CID)
	require.Len(t, fetchErr.Attempted, 3)
	require.Equal(t, missing.URL+"/ipfs/"+c.String(), fetchErr.Attempted[2])
	require.Contains(t, fetchErr.Err.Error(), "unexpected status 404")
}

func TestFetchVerifiedFallback(t *testing.T) {
	t.Parallel()

	block := []byte("verified block contents")
	c := rawCID(t, block)
	var accept atomic.Value
	trustless := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		if r.URL.Query().Get("format") != "raw" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(block)
	}))
	defer trustless.Close()

	d := New(Config{
		Gateways:        []string{closedServerURL(t)},
		VerifiedGateway: trustless.URL + "/ipfs",
		AttemptTimeout:  time.Second,
	}, zap.NewNop())

	res, err := d.Fetch(context.Background(), c.String())
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, block, body)
	require.True(t, res.Verified)
	require.EqualValues(t, len(block), res.ContentLength)
	require.Len(t, res.Attempted, 2)
	require.Equal(t, rawBlockMediaType, accept.Load())
}

func TestFetchVerifiedRejectsTamperedBlock(t *testing.T) {
	t.Parallel()

	c := rawCID(t, []byte("original"))
	trustless := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tampered")
	}))
	defer trustless.Close()

	d := New(Config{VerifiedGateway: trustless.URL, AttemptTimeout: time.Second}, zap.NewNop())
	_, err := d.Fetch(context.Background(), c.String())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Contains(t, fetchErr.Err.Error(), "hash mismatch")
	require.Len(t, fetchErr.Attempted, 1)
}

func TestFetchVerifiedEnforcesSizeLimit(t *testing.T) {
	t.Parallel()

	block := []byte(strings.Repeat("x", 64))
	c := rawCID(t, block)
	trustless := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(block)
	}))
	defer trustless.Close()

	d := New(Config{VerifiedGateway: trustless.URL, MaxVerifiedBytes: 16, AttemptTimeout: time.Second}, zap.NewNop())
	_, err := d.Fetch(context.Background(), c.String())
	require.ErrorContains(t, err, "exceeds 16 bytes")
}

func TestFetchAttemptTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()
	defer close(release)

	c := rawCID(t, []byte("slow"))
	d := New(Config{Gateways: []string{slow.URL}, AttemptTimeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := d.Fetch(context.Background(), c.String())
	require.ErrorContains(t, err, "no response within 50ms")
}

func TestFetchRejectsInvalidCID(t *testing.T) {
	t.Parallel()

	d := New(Config{Gateways: []string{"http://127.0.0.1:1"}}, zap.NewNop())
	_, err := d.Fetch(context.Background(), "not-a-cid")
	require.ErrorIs(t, err, ErrInvalidCID)
	var fetchErr *FetchError
	require.False(t, errors.As(err, &fetchErr))
}

func TestGatewayURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://ipfs.io/ipfs/abc", gatewayURL("https://ipfs.io/ipfs/", "abc"))
	require.Equal(t, "https://abc.ipfs.dweb.link", gatewayURL("https://{cid}.ipfs.dweb.link", "abc"))
}
