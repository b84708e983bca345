package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crmbridge/crmsync/pkg/config"
	"github.com/crmbridge/crmsync/pkg/crm"
	"github.com/crmbridge/crmsync/pkg/errors"
	"github.com/crmbridge/crmsync/pkg/ratelimit"
)

func testClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	cfg := config.SourceConfig{
		Endpoint:        endpoint,
		PageSize:        2,
		RateLimitPerSec: 1000,
		RateBurst:       1000,
		RequestTimeout:  5 * time.Second,
	}
	rel := config.ReliabilityConfig{
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
		RetryMultiplier: 2.0,
		MaxRetryDelay:   10 * time.Millisecond,
	}
	client, err := NewClient(cfg, rel, fakeLimiter{}, zap.NewNop())
	require.NoError(t, err)
	return client
}

// fakeLimiter never blocks; limiter behavior is covered in pkg/ratelimit.
type fakeLimiter struct{}

func (fakeLimiter) Allow() bool                    { return true }
func (fakeLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (fakeLimiter) SetRate(float64)                {}
func (fakeLimiter) SetBurst(int)                   {}
func (fakeLimiter) GetStats() ratelimit.Stats      { return ratelimit.Stats{} }

func writePage(w http.ResponseWriter, records []map[string]interface{}, total int, next *int) {
	resp := map[string]interface{}{"result": records, "total": total}
	if next != nil {
		resp["next"] = *next
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestFetchPagesPaginatesUntilShortPage(t *testing.T) {
	records := []map[string]interface{}{
		{"ID": "1"}, {"ID": "2"}, {"ID": "3"}, {"ID": "4"}, {"ID": "5"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm.deal.list.json", r.URL.Path)
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		end := start + 2
		if end > len(records) {
			end = len(records)
		}
		writePage(w, records[start:end], len(records), nil)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	var got []crm.RawRecord
	var offsets []int
	err := client.FetchPages(context.Background(), crm.KindDeal, nil, func(p Page) error {
		got = append(got, p.Records...)
		offsets = append(offsets, p.Offset)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, got, 5)
	assert.Equal(t, []int{0, 2, 4}, offsets, "pages arrive in fetch order")
	assert.Equal(t, "5", got[4]["ID"])
}

func TestFetchPagesSendsModifiedFilterAndSelect(t *testing.T) {
	var query atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		writePage(w, nil, 0, nil)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	since := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	err := client.FetchPages(context.Background(), crm.KindDeal, &since, func(Page) error { return nil })
	require.NoError(t, err)

	q := query.Load().(url.Values)
	assert.Equal(t, "2023-06-01T00:00:00Z", q["filter[>DATE_MODIFY]"][0])
	assert.Contains(t, q["select[]"], "OPPORTUNITY")
	assert.Contains(t, q["select[]"], "LEAD_ID")
}

func TestFetchPagesRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writePage(w, []map[string]interface{}{{"ID": "1"}}, 1, nil)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	var got int
	err := client.FetchPages(context.Background(), crm.KindActivity, nil, func(p Page) error {
		got += len(p.Records)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "two rejections then success")
}

func TestFetchPagesExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	err := client.FetchPages(context.Background(), crm.KindDeal, nil, func(Page) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts failed")
}

func TestFetchPagesClientErrorIsNotRetried(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	err := client.FetchPages(context.Background(), crm.KindDeal, nil, func(Page) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "client errors are terminal")
}

func TestFetchPagesMalformedPayloadIsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{not json")
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	err := client.FetchPages(context.Background(), crm.KindContact, nil, func(Page) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestFetchPagesSourceLevelRateLimitCode(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":             "QUERY_LIMIT_EXCEEDED",
				"error_description": "Too many requests",
			})
			return
		}
		writePage(w, nil, 0, nil)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	err := client.FetchPages(context.Background(), crm.KindLead, nil, func(Page) error { return nil })
	require.NoError(t, err, "in-band throttle code is retried like HTTP 429")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchPagesShutdownIsNotRetried(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writePage(w, nil, 0, nil)
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.FetchPages(ctx, crm.KindDeal, nil, func(Page) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsRetryable(err), "shutdown is not a transient source failure")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "no request leaves after shutdown")
}

func TestFetchPagesFollowsNextOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		switch start {
		case 0:
			next := 50
			writePage(w, []map[string]interface{}{{"ID": "1"}, {"ID": "2"}}, 52, &next)
		case 50:
			writePage(w, []map[string]interface{}{{"ID": "51"}}, 52, nil)
		default:
			t.Errorf("unexpected offset %d", start)
			writePage(w, nil, 52, nil)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv.URL)

	var ids []string
	err := client.FetchPages(context.Background(), crm.KindCompany, nil, func(p Page) error {
		for _, rec := range p.Records {
			ids = append(ids, rec["ID"].(string))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "51"}, ids)
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(5, 10*time.Millisecond)
	rp.RandomizeFactor = 0 // deterministic for the assertion
	rp.MaxDelay = 40 * time.Millisecond

	assert.Equal(t, 10*time.Millisecond, rp.GetDelay(0))
	assert.Equal(t, 20*time.Millisecond, rp.GetDelay(1))
	assert.Equal(t, 40*time.Millisecond, rp.GetDelay(2))
	assert.Equal(t, 40*time.Millisecond, rp.GetDelay(3), "delay is capped")
}
