package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestUpstoxSourceFetchPrice(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		delay     time.Duration
		wantOK    bool
		wantPrice float64
		wantInErr string
	}{
		{
			name:      "success",
			status:    http.StatusOK,
			body:      `{"status":"success","data":{"MCX_FO:472789":{"last_price":5812.5,"instrument_token":"MCX_FO|472789"}}}`,
			wantOK:    true,
			wantPrice: 5812.5,
		},
		{
			name:      "error status with message",
			status:    http.StatusUnauthorized,
			body:      `{"status":"error","errors":[{"errorCode":"UDAPI100050","message":"Invalid token used to access API"}]}`,
			wantInErr: "Invalid token",
		},
		{
			name:      "non json failure",
			status:    http.StatusBadGateway,
			body:      `<html>bad gateway</html>`,
			wantInErr: "status 502",
		},
		{
			name:      "malformed payload",
			status:    http.StatusOK,
			body:      `{"status":`,
			wantInErr: "decode upstox",
		},
		{
			name:      "empty data",
			status:    http.StatusOK,
			body:      `{"status":"success","data":{}}`,
			wantInErr: "empty response data",
		},
		{
			name:      "zero price",
			status:    http.StatusOK,
			body:      `{"status":"success","data":{"NSE_INDEX:Nifty 50":{"last_price":0}}}`,
			wantInErr: "invalid price",
		},
		{
			name:      "timeout",
			status:    http.StatusOK,
			body:      `{"status":"success","data":{"NSE_INDEX:Nifty 50":{"last_price":25000}}}`,
			delay:     200 * time.Millisecond,
			wantInErr: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotKey string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotKey = r.URL.Query().Get("instrument_key")
				if tt.delay > 0 {
					time.Sleep(tt.delay)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewUpstoxSource(srv.URL, "tok", 50*time.Millisecond)
			res := src.FetchPrice(context.Background(), "NSE_INDEX|Nifty 50")

			if res.OK != tt.wantOK {
				t.Fatalf("OK = %v, want %v (reason %q)", res.OK, tt.wantOK, res.Reason)
			}
			if tt.wantOK && res.Price != tt.wantPrice {
				t.Errorf("Price = %v, want %v", res.Price, tt.wantPrice)
			}
			if !tt.wantOK && !strings.Contains(res.Reason, tt.wantInErr) {
				t.Errorf("Reason = %q, want substring %q", res.Reason, tt.wantInErr)
			}
			if tt.delay == 0 {
				if gotAuth != "Bearer tok" {
					t.Errorf("Authorization = %q", gotAuth)
				}
				if gotKey != "NSE_INDEX|Nifty 50" {
					t.Errorf("instrument_key = %q", gotKey)
				}
			}
		})
	}
}

func TestUpstoxSourceWithoutToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	res := NewUpstoxSource(srv.URL, "", time.Second).FetchPrice(context.Background(), "MCX_FO|1")
	if res.OK {
		t.Fatal("expected unavailable without token")
	}
	if called {
		t.Error("no request should be made without a token")
	}
}
