package coordinator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/octobuild/octobuild/internal/cluster/wire"
)

func TestUpdateThenListViaHTTP(t *testing.T) {
	c := New()
	srv := httptest.NewServer(c.NewServeMux())
	defer srv.Close()

	var buf bytes.Buffer
	update := wire.BuilderInfoUpdate{
		Info: wire.BuilderInfo{Endpoint: srv.URL + "/builder1/", Toolchains: []string{"msvc-abc"}},
	}
	if err := wire.WriteBuilderInfoUpdate(&buf, update); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/rpc/v1/builder/update", "application/octet-stream", &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("update status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/rpc/v1/builder/list")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	list, err := wire.ReadBuilderInfoList(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].Endpoint != srv.URL+"/builder1" {
		t.Fatalf("Endpoint = %q, want canonicalized (no trailing slash)", list[0].Endpoint)
	}
}

func TestListExpiresStaleBuilders(t *testing.T) {
	c := New()
	c.Update("guid-1", wire.BuilderInfo{Endpoint: "http://builder1"}, time.Unix(1000, 0))
	list := c.List(time.Unix(1000, 0).Add(heartbeatTTL + time.Second))
	if len(list) != 0 {
		t.Fatalf("len(list) = %d, want 0 after TTL expiry", len(list))
	}
}

func TestHandleUpdateRewritesUnspecifiedEndpointIP(t *testing.T) {
	c := New()
	srv := httptest.NewServer(c.NewServeMux())
	defer srv.Close()

	var buf bytes.Buffer
	update := wire.BuilderInfoUpdate{
		Guid: "guid-1",
		Info: wire.BuilderInfo{Endpoint: "http://0.0.0.0:9000", Toolchains: []string{"msvc-abc"}},
	}
	if err := wire.WriteBuilderInfoUpdate(&buf, update); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/rpc/v1/builder/update", "application/octet-stream", &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	list := c.List(time.Now())
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
	if list[0].Endpoint == "http://0.0.0.0:9000" {
		t.Fatalf("Endpoint = %q, want the unspecified host rewritten to the request's remote address", list[0].Endpoint)
	}
	if !strings.HasSuffix(list[0].Endpoint, ":9000") {
		t.Fatalf("Endpoint = %q, want the original port kept", list[0].Endpoint)
	}
}

func TestUpdateDedupsByGuid(t *testing.T) {
	c := New()
	now := time.Unix(1000, 0)
	c.Update("guid-1", wire.BuilderInfo{Endpoint: "http://builder1:9000"}, now)
	c.Update("guid-1", wire.BuilderInfo{Endpoint: "http://builder1:9001"}, now)
	list := c.List(now)
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1 after re-advertising under the same guid", len(list))
	}
	if list[0].Endpoint != "http://builder1:9001" {
		t.Fatalf("Endpoint = %q, want the latest advertisement", list[0].Endpoint)
	}
}
