package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/apparentlymart/ocicopy/internal/ocidist"
)

func TestPoolTransportOnce(t *testing.T) {
	p := NewPool(Options{})

	var wg sync.WaitGroup
	got := make([]*http.Transport, 8)
	for i := range got {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = p.Transport()
		}()
	}
	wg.Wait()

	for i, tr := range got {
		if tr == nil {
			t.Fatalf("transport %d is nil", i)
		}
		if tr != got[0] {
			t.Errorf("transport %d is a different object", i)
		}
	}
	if got[0].MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("wrong MaxIdleConnsPerHost %d", got[0].MaxIdleConnsPerHost)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPool(Options{})
	client := &http.Client{Transport: p}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("wrong status %d", resp.StatusCode)
	}

	p.Close()
	if p.Transport() != nil {
		t.Error("transport still available after Close")
	}
	if _, err := client.Get(srv.URL); err == nil {
		t.Error("request succeeded after Close")
	}
	p.Close() // must be safe to call twice
}

func TestPoolClosedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}

	p := NewPool(Options{})
	p.Close()
	repo := ocidist.NewClientWithRoundTripper(u, p).Repository(ocidist.MustParseNamespace("library/app"))
	_, err = repo.Exists(context.Background(), ocidist.NewDescriptorFromBytes([]byte("x"), "application/octet-stream"))
	if !errors.Is(err, ocidist.ErrClosed) {
		t.Fatalf("wrong error: %v", err)
	}
	if ocidist.IsTransient(err) {
		t.Error("request through a closed pool is treated as transient")
	}
}
