package mediacache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPutIsContentAddressed(t *testing.T) {
	c, err := New(t.TempDir(), 10, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := []byte("fake png bytes")
	u1, err := c.Put(context.Background(), data, "image")
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	u2, err := c.Put(context.Background(), data, "image")
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if u1 != u2 {
		t.Fatalf("expected identical bytes to yield identical URL, got %q and %q", u1, u2)
	}
	if c.Stat() != 1 {
		t.Fatalf("expected exactly one tracked asset, got %d", c.Stat())
	}
}

func TestFetchAndStoreDownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote video bytes"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), 10, "https://gw.example", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	u, err := c.FetchAndStore(context.Background(), srv.URL, "video")
	if err != nil {
		t.Fatalf("fetch and store: %v", err)
	}
	if u == "" || u[:len("https://gw.example")] != "https://gw.example" {
		t.Fatalf("expected public base prefixed URL, got %q", u)
	}
}

func TestOpenServesStoredBytes(t *testing.T) {
	c, err := New(t.TempDir(), 10, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := []byte("asset bytes")
	u, err := c.Put(context.Background(), data, "image")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	name := u[len("/v1/files/image/"):]
	rc, _, size, err := c.Open("image", name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) || int64(len(got)) != size {
		t.Fatalf("round-tripped bytes mismatch")
	}
}

func TestClearRemovesTrackedAssets(t *testing.T) {
	c, err := New(t.TempDir(), 10, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Put(context.Background(), []byte("a"), "image"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := c.Put(context.Background(), []byte("b"), "video"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if n := c.Clear("image"); n != 1 {
		t.Fatalf("expected 1 image removed, got %d", n)
	}
	if c.Stat() != 1 {
		t.Fatalf("expected 1 asset remaining, got %d", c.Stat())
	}
}
