package worker

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	header := func(kv ...string) http.Header {
		h := http.Header{}
		for i := 0; i+1 < len(kv); i += 2 {
			h.Set(kv[i], kv[i+1])
		}
		return h
	}
	cases := []struct {
		name   string
		url    string
		header http.Header
		want   Destination
	}{
		{"fetch dest image", "/x", header("Sec-Fetch-Dest", "image"), DestinationImage},
		{"iframe is document", "/x", header("Sec-Fetch-Dest", "iframe"), DestinationDocument},
		{"worker is script", "/w", header("Sec-Fetch-Dest", "worker"), DestinationScript},
		{"unknown dest", "/x.js", header("Sec-Fetch-Dest", "audio"), DestinationOther},
		{"empty dest falls through", "/x.css", header("Sec-Fetch-Dest", "empty"), DestinationStyle},
		{"navigate mode", "/x", header("Sec-Fetch-Mode", "navigate"), DestinationDocument},
		{"accept html", "/x", header("Accept", "text/html,application/xhtml+xml;q=0.9"), DestinationDocument},
		{"extension font", "/f/a.woff2?v=3", nil, DestinationFont},
		{"extension image", "/img/A.PNG", nil, DestinationImage},
		{"extension html", "/about.html", nil, DestinationDocument},
		{"no hint", "/api/data", nil, DestinationOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.url, tc.header); got != tc.want {
				t.Fatalf("Classify(%q) = %s, want %s", tc.url, got, tc.want)
			}
		})
	}
}

func TestNewPendingRequestDefaults(t *testing.T) {
	req := NewPendingRequest(" post ", "/api", nil, []byte("x"))
	if req.Method != http.MethodPost || req.Header == nil {
		t.Fatalf("unexpected request %+v", req)
	}
	if NewPendingRequest("", "/", nil, nil).Method != http.MethodGet {
		t.Fatalf("empty method should default to GET")
	}
}
