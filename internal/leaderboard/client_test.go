package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(ClientOptions{
		BaseURL:    srv.URL,
		APIKey:     "key",
		HostHeader: "host",
		RetryCount: 1,
		RetryStep:  time.Millisecond,
	})
}

func TestNullFloat(t *testing.T) {
	t.Parallel()

	var payload struct {
		A NullFloat `json:"a"`
		B NullFloat `json:"b"`
		C NullFloat `json:"c"`
		D NullFloat `json:"d"`
	}
	data := `{"a": 1.5, "b": "2.25", "c": "", "d": null}`
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.A.Valid || payload.A.Value != 1.5 {
		t.Errorf("numeric field = %+v, want 1.5", payload.A)
	}
	if !payload.B.Valid || payload.B.Value != 2.25 {
		t.Errorf("string field = %+v, want 2.25", payload.B)
	}
	if payload.C.Valid {
		t.Error("empty string should decode as null")
	}
	if payload.D.Valid {
		t.Error("null should decode as null")
	}
	if payload.C.Ptr() != nil {
		t.Error("Ptr() of null should be nil")
	}
}

func TestPerformance(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trader/t-performance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "key" {
			t.Error("missing API key header")
		}
		fmt.Fprint(w, `{"message":"OK","data":[
			{"id":"t1","nickName":"alpha","yieldRatio":"0.42","winRatio":0.6},
			{"id":"t2","nickName":"beta","yieldRatio":""}
		]}`)
	}))

	entries, err := c.Performance(context.Background(), 1)
	if err != nil {
		t.Fatalf("Performance: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID != "t1" || entries[0].YieldRatio.Value != 0.42 {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].YieldRatio.Valid {
		t.Error("empty yieldRatio should be null")
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"rate limited","data":null}`)
	}))

	if _, err := c.Positions(context.Background(), "t1"); err == nil {
		t.Error("non-OK upstream message did not fail")
	}
}

func TestAllHistoricalPositionsPaginates(t *testing.T) {
	t.Parallel()

	page := func(start, n int) string {
		items := make([]string, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, fmt.Sprintf(`{"tradeItemId":"%d","instId":"SOL-USDT","uTime":"1000"}`, start+i))
		}
		body := "["
		for i, item := range items {
			if i > 0 {
				body += ","
			}
			body += item
		}
		return `{"message":"OK","data":` + body + `]}`
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "":
			fmt.Fprint(w, page(0, HistoryPageSize)) // full page: more to come
		case "19":
			fmt.Fprint(w, page(20, 5)) // short page: sequence ends
		default:
			t.Errorf("unexpected after=%q", r.URL.Query().Get("after"))
			fmt.Fprint(w, `{"message":"OK","data":[]}`)
		}
	}))

	all, err := c.AllHistoricalPositions(context.Background(), "t1")
	if err != nil {
		t.Fatalf("AllHistoricalPositions: %v", err)
	}
	if len(all) != HistoryPageSize+5 {
		t.Errorf("total = %d, want %d", len(all), HistoryPageSize+5)
	}
	if all[len(all)-1].TradeItemID != "24" {
		t.Errorf("last trade item = %q, want 24", all[len(all)-1].TradeItemID)
	}
}

func TestTradeStats(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("dateRange"); got != "weekly" {
			t.Errorf("dateRange = %q, want weekly", got)
		}
		fmt.Fprint(w, `{"message":"OK","data":{"winRatio":"0.55","profitDays":5,"lossDays":2}}`)
	}))

	stats, err := c.TradeStats(context.Background(), "t1", "weekly")
	if err != nil {
		t.Fatalf("TradeStats: %v", err)
	}
	if stats.WinRatio.Value != 0.55 || stats.ProfitDays != 5 || stats.DateRange != "weekly" {
		t.Errorf("stats = %+v", stats)
	}
}
