package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMount(t *testing.T) {
	m := NewMetrics()

	m.RecordMount(nil, "", 400*time.Millisecond)
	m.RecordMount(errors.New("mount timeout"), "validating", 10*time.Second)
	m.RecordMount(errors.New("mount failed"), "mounting", time.Second)

	if got := testutil.ToFloat64(m.mountAttemptsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mountAttemptsTotal.WithLabelValues("failure")); got != 2 {
		t.Errorf("failure attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.phaseFailuresTotal.WithLabelValues("validating")); got != 1 {
		t.Errorf("validating failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.phaseFailuresTotal.WithLabelValues("mounting")); got != 1 {
		t.Errorf("mounting failures = %v, want 1", got)
	}
}

func TestRecordMountFailureWithoutPhase(t *testing.T) {
	m := NewMetrics()

	// A breaker rejection has no phase; only the attempt counter moves.
	m.RecordMount(errors.New("mount breaker open"), "", time.Millisecond)

	if got := testutil.ToFloat64(m.mountAttemptsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure attempts = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.phaseFailuresTotal); got != 0 {
		t.Errorf("phase failure series = %d, want 0", got)
	}
}

func TestRecordUnmountAndAdvisory(t *testing.T) {
	m := NewMetrics()

	m.RecordUnmount()
	m.RecordUnmount()
	m.RecordAdvisoryWarning("boot_sector")

	if got := testutil.ToFloat64(m.unmountsTotal); got != 2 {
		t.Errorf("unmounts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.advisoryWarningsTotal.WithLabelValues("boot_sector")); got != 1 {
		t.Errorf("boot_sector warnings = %v, want 1", got)
	}
}

func TestRecordSmokeTest(t *testing.T) {
	m := NewMetrics()

	m.RecordSmokeTest("quick", nil)
	m.RecordSmokeTest("quick", errors.New("read-only"))
	m.RecordSmokeTest("slow", nil)

	if got := testutil.ToFloat64(m.smokeTestsTotal.WithLabelValues("quick", "success")); got != 1 {
		t.Errorf("quick success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.smokeTestsTotal.WithLabelValues("quick", "failure")); got != 1 {
		t.Errorf("quick failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.smokeTestsTotal.WithLabelValues("slow", "success")); got != 1 {
		t.Errorf("slow success = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordMount(nil, "", 100*time.Millisecond)
	m.RecordThrottleWait(5 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"sd_helper_mount_attempts_total",
		"sd_helper_mount_duration_seconds",
		"sd_helper_throttle_wait_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Metrics output missing %s", want)
		}
	}
}

func TestMultipleInstancesDoNotCollide(t *testing.T) {
	// Each Metrics carries its own registry, so re-creation must not panic.
	_ = NewMetrics()
	_ = NewMetrics()
}
