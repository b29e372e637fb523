package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsBasic(t *testing.T) {
	m := New()
	if s := m.Snapshot(); s.ValidationsTotal != 0 || s.MinValidationTimeNs != 0 {
		t.Fatalf("fresh snapshot = %+v", s)
	}

	m.RecordValidation(100*time.Millisecond, OutcomeValid)
	m.RecordValidation(300*time.Millisecond, OutcomeInvalid)
	m.RecordValidation(200*time.Millisecond, OutcomeAborted)

	s := m.Snapshot()
	if s.ValidationsTotal != 3 || s.ValidationsValid != 1 || s.ValidationsAborted != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.MinValidationTimeNs != uint64(100*time.Millisecond) {
		t.Errorf("min = %d", s.MinValidationTimeNs)
	}
	if s.MaxValidationTimeNs != uint64(300*time.Millisecond) {
		t.Errorf("max = %d", s.MaxValidationTimeNs)
	}
	if s.AvgValidationTimeNs != uint64(200*time.Millisecond) {
		t.Errorf("avg = %d", s.AvgValidationTimeNs)
	}
	rate := m.ValidationRate()
	if rate < 0.33 || rate > 0.34 {
		t.Errorf("ValidationRate() = %f", rate)
	}
}

func TestMetricsIssues(t *testing.T) {
	m := New()
	before := testutil.ToFloat64(issuesTotal.WithLabelValues("error"))
	m.RecordIssues(2, 1, 5)
	m.RecordIssues(1, 0, 0)

	s := m.Snapshot()
	if s.ErrorsTotal != 3 || s.WarningsTotal != 1 || s.InfosTotal != 5 {
		t.Errorf("issue counts = %+v", s)
	}
	if got := testutil.ToFloat64(issuesTotal.WithLabelValues("error")) - before; got != 3 {
		t.Errorf("prometheus error count delta = %v, want 3", got)
	}
}

func TestPackageCollectors(t *testing.T) {
	hits := testutil.ToFloat64(expressionCacheTotal.WithLabelValues("hit"))
	RecordExpressionCache(true)
	RecordExpressionCache(false)
	if got := testutil.ToFloat64(expressionCacheTotal.WithLabelValues("hit")) - hits; got != 1 {
		t.Errorf("hit delta = %v", got)
	}

	failed := testutil.ToFloat64(snapshotGenerationsTotal.WithLabelValues("error"))
	RecordSnapshot(errors.New("no base"))
	RecordSnapshot(nil)
	if got := testutil.ToFloat64(snapshotGenerationsTotal.WithLabelValues("error")) - failed; got != 1 {
		t.Errorf("snapshot error delta = %v", got)
	}

	SetProfilesLoaded(42)
	if got := testutil.ToFloat64(profilesLoaded); got != 42 {
		t.Errorf("profiles gauge = %v", got)
	}

	RecordTerminology("local", "ok")
	if got := testutil.ToFloat64(terminologyCallsTotal.WithLabelValues("local", "ok")); got < 1 {
		t.Errorf("terminology counter = %v", got)
	}
}

func TestMetricsConcurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordValidation(time.Duration(i+1)*time.Millisecond, OutcomeValid)
		}(i)
	}
	wg.Wait()

	s := m.Snapshot()
	if s.ValidationsTotal != 50 {
		t.Errorf("total = %d", s.ValidationsTotal)
	}
	if s.MinValidationTimeNs != uint64(time.Millisecond) || s.MaxValidationTimeNs != uint64(50*time.Millisecond) {
		t.Errorf("min/max = %d/%d", s.MinValidationTimeNs, s.MaxValidationTimeNs)
	}
}
