package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pivox-go/pivox/internal/proxytype"
)

func TestParsePlainListSkipsBlankAndCommentLines(t *testing.T) {
	body := []byte("# comment\n\n1.2.3.4:8080\nhttp://5.6.7.8:3128\nnotaproxy\n")
	proxies := parsePlainList(proxytype.HTTP)(body)

	if len(proxies) != 2 {
		t.Fatalf("expected 2 proxies, got %d: %+v", len(proxies), proxies)
	}
	if proxies[0].Host != "1.2.3.4" || proxies[0].Port != 8080 {
		t.Errorf("unexpected first proxy: %+v", proxies[0])
	}
	if proxies[1].Host != "5.6.7.8" || proxies[1].Port != 3128 {
		t.Errorf("unexpected second proxy: %+v", proxies[1])
	}
}

func TestParsePlainListRejectsOutOfRangePort(t *testing.T) {
	body := []byte("1.2.3.4:70000\n1.2.3.4:0\n1.2.3.4:80\n")
	proxies := parsePlainList(proxytype.HTTP)(body)
	if len(proxies) != 1 {
		t.Fatalf("expected only the valid-port row to survive, got %+v", proxies)
	}
}

func TestDedupCollapsesToFirst(t *testing.T) {
	in := []proxytype.Proxy{
		{Host: "1.2.3.4", Port: 80, Transport: proxytype.HTTP},
		{Host: "1.2.3.4", Port: 80, Transport: proxytype.HTTPS},
		{Host: "5.6.7.8", Port: 80, Transport: proxytype.HTTP},
	}
	out := dedup(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped proxies, got %d", len(out))
	}
	if out[0].Transport != proxytype.HTTP {
		t.Errorf("expected first occurrence kept, got %+v", out[0])
	}
}

func TestFetchReturnsSourceErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter := NewPlainListAdapter("test", srv.URL, proxytype.HTTP, nil)
	_, err := adapter.Fetch(context.Background())
	if err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestFetchParsesAndSetsLastFetchedAt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:8080\n"))
	}))
	defer srv.Close()

	adapter := NewPlainListAdapter("test", srv.URL, proxytype.HTTP, nil)
	if !adapter.LastFetchedAt().IsZero() {
		t.Fatal("expected zero LastFetchedAt before first fetch")
	}

	proxies, err := adapter.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(proxies) != 1 {
		t.Fatalf("expected 1 proxy, got %+v", proxies)
	}
	if adapter.LastFetchedAt().IsZero() {
		t.Error("expected LastFetchedAt to be set after a successful fetch")
	}
}

func TestParseJSONAPISkipsMalformedEntries(t *testing.T) {
	body := []byte(`{"proxies": [{"ip": "1.2.3.4", "port": "8080", "protocol": "https", "country": "US"}, {"ip": "", "port": "1"}]}`)
	proxies := parseJSONAPI(body)
	if len(proxies) != 1 {
		t.Fatalf("expected 1 proxy, got %+v", proxies)
	}
	if proxies[0].Transport != proxytype.HTTPS || proxies[0].Metadata.Country != "US" {
		t.Errorf("unexpected proxy: %+v", proxies[0])
	}
}

func TestParseHTMLTableExtractsRows(t *testing.T) {
	html := `<table><tbody><tr>
		<td>1.2.3.4</td><td>8080</td><td>US</td><td>United States</td><td>elite proxy</td><td></td><td>yes</td>
	</tr></tbody></table>`
	proxies := parseHTMLTable([]byte(html))
	if len(proxies) != 1 {
		t.Fatalf("expected 1 proxy, got %+v", proxies)
	}
	p := proxies[0]
	if p.Host != "1.2.3.4" || p.Port != 8080 || p.Transport != proxytype.HTTPS {
		t.Errorf("unexpected proxy: %+v", p)
	}
	if p.Metadata.Anonymity != proxytype.Elite {
		t.Errorf("expected elite anonymity, got %v", p.Metadata.Anonymity)
	}
}

func TestParseHTMLTableFallsBackToTextScanOnMalformedTable(t *testing.T) {
	html := `<html><body><p>Free proxies today: 9.8.7.6:3128 and 1.1.1.1:80, enjoy!</p></body></html>`
	proxies := parseHTMLTable([]byte(html))
	if len(proxies) != 2 {
		t.Fatalf("expected 2 proxies recovered from the text fallback, got %+v", proxies)
	}
}
