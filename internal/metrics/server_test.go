package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/poold/internal/pooldef"
	"github.com/jbweber/poold/internal/storage"
)

func TestHandler(t *testing.T) {
	lister := &fakeLister{pools: []*storage.PoolInfo{
		{Name: "images", Type: pooldef.PoolTypeDir, State: libvirt.StoragePoolRunning, Capacity: 1 << 30},
	}}
	handler, err := Handler(lister)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	tests := []struct {
		path string
		want []string
	}{
		{path: "/metrics", want: []string{
			`poold_pool_capacity_bytes{pool="images",type="dir"} 1.073741824e+09`,
			`poold_pool_active{pool="images",type="dir"} 1`,
			"go_goroutines",
		}},
		{path: "/healthz", want: []string{"ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET %s status = %d", tt.path, resp.StatusCode)
			}
			for _, w := range tt.want {
				if !strings.Contains(string(body), w) {
					t.Errorf("GET %s body missing %q", tt.path, w)
				}
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", &fakeLister{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
