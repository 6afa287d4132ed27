package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestObserveOperationAppearsInScrape(t *testing.T) {
	m := New()
	m.ObserveOperation("put", "ok", 0.01)
	m.BlobsCount.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `bob_operations_total{operation="put",outcome="ok"} 1`) {
		t.Errorf("scrape output missing operations_total sample:\n%s", body)
	}
	if !strings.Contains(body, "bob_blobs_count 3") {
		t.Errorf("scrape output missing blobs_count sample:\n%s", body)
	}
}

func TestDiskReadyLabelsIndependentDisks(t *testing.T) {
	m := New()
	m.DiskReady.WithLabelValues("disk0").Set(1)
	m.DiskReady.WithLabelValues("disk1").Set(0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `bob_disk_ready{disk="disk0"} 1`) {
		t.Errorf("missing disk0 ready sample:\n%s", body)
	}
	if !strings.Contains(body, `bob_disk_ready{disk="disk1"} 0`) {
		t.Errorf("missing disk1 ready sample:\n%s", body)
	}
}
