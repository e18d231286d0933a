package roster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

func TestFetch_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"IND_ID": "A1", "FullName": "Ann", "FoodEligibility": "1,0,0,0,0,0,0,0,1"},
			{"IND_ID": 42, "Full Name": "Bob", "Food Eligibility 2": 1, "Pic": null}
		]`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	records, err := client.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[1]["IND_ID"] != "42" {
		t.Fatalf("numeric id must be stringified, got %q", records[1]["IND_ID"])
	}
	if records[1]["Food Eligibility 2"] != "1" {
		t.Fatalf("numeric flag must be stringified, got %q", records[1]["Food Eligibility 2"])
	}
	if v, ok := records[1]["Pic"]; !ok || v != "" {
		t.Fatalf("null must become empty string, got %q (present=%v)", v, ok)
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)
	client.httpClient.RetryWaitMin = time.Millisecond
	client.httpClient.RetryWaitMax = time.Millisecond

	records, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty roster, got %d records", len(records))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, nil)

	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for 403")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		want    model.Attendee
		wantErr bool
	}{
		{
			name: "canonical columns",
			record: Record{
				"IND_ID":          "A1",
				"FullName":        "Ann",
				"QRCode":          "qr-a1",
				"FoodEligibility": "1,1,0,0,0,0,0,0,0",
			},
			want: model.Attendee{
				ID:          "A1",
				FullName:    "Ann",
				QRCode:      "qr-a1",
				Eligibility: model.Eligibility{1, 1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
		{
			name: "legacy columns",
			record: Record{
				"IND_ID":             " B2 ",
				"Full Name":          "Bob",
				"QR code":            "qr-b2",
				"Food Eligibility 1": "1",
				"Food Eligibility 9": "1",
			},
			want: model.Attendee{
				ID:          "B2",
				FullName:    "Bob",
				QRCode:      "qr-b2",
				Eligibility: model.Eligibility{1, 0, 0, 0, 0, 0, 0, 0, 1},
			},
		},
		{
			name:   "no eligibility columns",
			record: Record{"IND_ID": "C3"},
			want:   model.Attendee{ID: "C3"},
		},
		{
			name:    "missing id",
			record:  Record{"FullName": "Nobody"},
			wantErr: true,
		},
		{
			name:    "malformed eligibility",
			record:  Record{"IND_ID": "D4", "FoodEligibility": "1,1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.record)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Normalize = %+v, want %+v", got, tt.want)
			}
		})
	}
}
