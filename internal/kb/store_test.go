package kb

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

func finding(target string, ids ...int64) schemas.Finding {
	return schemas.Finding{Target: target, VulnerabilityName: "test", Severity: schemas.SeverityHigh, ResponseIDs: ids}
}

func TestAppendUniqueKeepsFirst(t *testing.T) {
	s := New()
	assert.True(t, s.AppendUnique("eval", "eval", finding("http://a/", 1)))
	assert.False(t, s.AppendUnique("eval", "eval", finding("http://b/", 2)))

	got := s.Get("eval", "eval")
	require.Len(t, got, 1)
	assert.Equal(t, "http://a/", got[0].Target)
}

func TestAppendKeepsBoth(t *testing.T) {
	s := New()
	s.Append("xpath", "xpath", finding("http://a/", 1))
	s.Append("xpath", "xpath", finding("http://a/", 1))
	assert.Len(t, s.Get("xpath", "xpath"), 2)
	assert.Equal(t, 2, s.Len())
}

func TestAppendStampsBookkeeping(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New(WithScanID("scan-1"), WithClock(func() time.Time { return fixed }))

	stored := s.Append("oracle", "oracle", schemas.Finding{Plugin: "ignored", Target: "http://a/"})
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "scan-1", stored.ScanID)
	assert.Equal(t, fixed, stored.ObservedAt)
	assert.Equal(t, "oracle", stored.Plugin, "key wins over caller-provided plugin")
	assert.Equal(t, "oracle", stored.Category)
}

func TestGetReturnsCopies(t *testing.T) {
	s := New()
	s.Append("p", "c", finding("http://a/", 1))
	got := s.Get("p", "c")
	got[0].ResponseIDs[0] = 42
	got[0].Target = "mutated"

	again := s.Get("p", "c")
	assert.Equal(t, int64(1), again[0].ResponseIDs[0])
	assert.Equal(t, "http://a/", again[0].Target)
	assert.Empty(t, s.Get("p", "missing"))
	assert.False(t, s.Has("p", "missing"))
}

func TestAppendUniqueByInjectionPoint(t *testing.T) {
	s := New()
	samePoint := func(f schemas.Finding) func(schemas.Finding) bool {
		return func(existing schemas.Finding) bool {
			return existing.Target == f.Target && existing.Var == f.Var
		}
	}
	a := schemas.Finding{Target: "http://a/", Var: "q"}
	b := schemas.Finding{Target: "http://a/", Var: "id"}

	assert.True(t, s.AppendUniqueBy("xpath", "xpath", a, samePoint(a)))
	assert.False(t, s.AppendUniqueBy("xpath", "xpath", a, samePoint(a)))
	assert.True(t, s.AppendUniqueBy("xpath", "xpath", b, samePoint(b)))
	assert.Len(t, s.Get("xpath", "xpath"), 2)
}

func TestAppendUniqueConcurrent(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wins := make(chan int, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.AppendUnique("eval", "eval", finding(fmt.Sprintf("http://t/%d", i))) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
	assert.Len(t, s.Get("eval", "eval"), 1)
}

func TestUpsert(t *testing.T) {
	s := New()
	byHeader := func(name string) func(schemas.Finding) bool {
		return func(f schemas.Finding) bool {
			v, _ := f.Attributes.Get("header_name")
			return v == name
		}
	}
	create := func(id int64) func() schemas.Finding {
		return func() schemas.Finding {
			return schemas.Finding{ResponseIDs: []int64{id}, Attributes: schemas.Attributes{{Key: "header_name", Value: "X-Foo"}}}
		}
	}
	addID := func(id int64) func(*schemas.Finding) {
		return func(f *schemas.Finding) { f.ResponseIDs = append(f.ResponseIDs, id) }
	}

	assert.True(t, s.Upsert("headers", "strange_headers", byHeader("X-Foo"), addID(1), create(1)))
	assert.False(t, s.Upsert("headers", "strange_headers", byHeader("X-Foo"), addID(2), create(2)))

	got := s.Get("headers", "strange_headers")
	require.Len(t, got, 1)
	assert.Equal(t, []int64{1, 2}, got[0].ResponseIDs)
}

func TestAllKeepsKeyOrder(t *testing.T) {
	s := New()
	s.Append("b", "x", finding("1"))
	s.Append("a", "y", finding("2"))
	s.Append("b", "x", finding("3"))

	var targets []string
	for _, f := range s.All() {
		targets = append(targets, f.Target)
	}
	assert.Equal(t, []string{"1", "3", "2"}, targets)
}

func TestStoreMetricsAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := observability.NewMetrics("kbtest")
	s := New(WithLogger(zap.New(core)), WithMetrics(metrics))

	s.AppendUnique("eval", "eval", finding("http://a/", 7))
	s.AppendUnique("eval", "eval", finding("http://b/", 8))

	entries := logs.FilterMessage("Finding recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "eval", entries[0].ContextMap()["plugin"])
	assert.Equal(t, "kb", entries[0].LoggerName)
	count, err := testutil.GatherAndCount(metrics.Registry(), "kbtest_findings_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
