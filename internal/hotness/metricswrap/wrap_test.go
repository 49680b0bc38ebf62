package metricswrap

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/observability"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/hotness/expdecay"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/metrics"
)

func Test_HotKeysGauge_Updates(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)
	observability.SetLayer("terrain")

	w := New(expdecay.New(30*time.Second), Options{})

	w.Inc("terrain:12_2145_1434")
	w.Inc("terrain:12_2146_1434")
	w.Reset("terrain:12_2145_1434")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()

	if !strings.Contains(body, `tile_hot_keys{layer="terrain"} 1`) {
		t.Fatalf("expected hot keys gauge == 1, got:\n%s", body)
	}
}

func Test_ThresholdLogging(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	w := New(expdecay.New(time.Minute), Options{LogThreshold: 2, LogSample: 1, Logger: &zl})

	w.Inc("terrain:8_134_89")
	if buf.Len() != 0 {
		t.Fatalf("logged below threshold: %s", buf.String())
	}
	w.Inc("terrain:8_134_89")
	if !strings.Contains(buf.String(), `"event":"hotness_threshold"`) ||
		!strings.Contains(buf.String(), `"tile":"terrain:8_134_89"`) {
		t.Fatalf("missing threshold log: %s", buf.String())
	}
}

func Test_ShouldLogSampling(t *testing.T) {
	if shouldLog(0, "k") {
		t.Fatal("sample 0 must never log")
	}
	if !shouldLog(1, "k") {
		t.Fatal("sample 1 must always log")
	}
	n := 0
	for i := range 10000 {
		if shouldLog(0.1, "terrain:14_"+time.Duration(i).String()) {
			n++
		}
	}
	if n < 700 || n > 1300 {
		t.Fatalf("sample 0.1 logged %d of 10000", n)
	}
}
