package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	RecordTransition("debian", "idle", "syncing")
	SetProgress("debian", 42)
	IncSpawn("debian", "updater")
	IncExit("debian", "updater", 1)
	IncSchedulerFire("debian")
	IncIPCMessage("progress")
	IncProtocolViolation("debian")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"mycdn_updater_state":                 false,
		"mycdn_updater_transitions_total":     false,
		"mycdn_updater_progress":              false,
		"mycdn_process_spawns_total":          false,
		"mycdn_process_exits_total":           false,
		"mycdn_scheduler_fires_total":         false,
		"mycdn_ipc_messages_total":            false,
		"mycdn_ipc_protocol_violations_total": false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "mycdn_process_exits_total" {
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "result" && lp.GetValue() != "failure" {
						t.Fatalf("exit code 1 should be labelled failure, got %s", lp.GetValue())
					}
				}
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSpawn("x", "initializer")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "mycdn_process_spawns_total") {
		t.Fatalf("metrics output missing spawns_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSpawn("c", "updater")
			IncExit("c", "updater", 0)
			IncIPCMessage("progress")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	RecordTransition("test", "idle", "syncing")
	SetState("test", "idle")
	SetProgress("test", 10)
	IncSpawn("test", "updater")
	IncExit("test", "updater", 0)
	IncSchedulerFire("test")
	IncIPCMessage("error")
	IncProtocolViolation("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestChildCollectorSamplesSelf(t *testing.T) {
	self := int32(os.Getpid())
	c := NewChildCollector(0, func() map[string]int32 {
		return map[string]int32{"self": self, "gone": 0}
	})
	c.Collect()

	u, ok := c.Latest("self")
	if !ok {
		t.Fatalf("expected a sample for the test process")
	}
	if u.PID != self || u.MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", u)
	}
	if _, ok := c.Latest("gone"); ok {
		t.Fatalf("pid 0 must not be sampled")
	}
}

func TestChildCollectorDropsExitedChildren(t *testing.T) {
	live := map[string]int32{"self": int32(os.Getpid())}
	c := NewChildCollector(0, func() map[string]int32 { return live })
	c.Collect()
	if _, ok := c.Latest("self"); !ok {
		t.Fatalf("expected sample")
	}
	live = map[string]int32{}
	c.Collect()
	if _, ok := c.Latest("self"); ok {
		t.Fatalf("sample should be dropped once the child is gone")
	}
}
