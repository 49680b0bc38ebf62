package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/metrics"
)

func TestMetrics_OpsObserved(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)

	rc, _ := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.SetFields(ctx, "m1", map[string]any{"data": "x"}, time.Minute)
	_, _ = rc.GetFields(ctx, "m1")
	_, _ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, op := range []string{"ping", "hset", "hgetall", "del"} {
		if !strings.Contains(body, `redis_operation_duration_seconds_count{op="`+op+`",result="ok"}`) {
			t.Fatalf("missing redis histogram for op %s; got:\n%s", op, body)
		}
	}
}
