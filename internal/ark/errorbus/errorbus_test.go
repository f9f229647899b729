package errorbus

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndResolve(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)

	e := b.Record(&Escalation{CorrelationID: "c1", From: "scanner", Severity: SeverityError, Code: "X", Message: "boom"})
	require.NotEmpty(t, e.ErrorID)
	require.False(t, e.Resolved)

	require.NoError(t, b.Resolve(e.ErrorID))
	unresolved := b.Unresolved()
	require.Empty(t, unresolved)
}

func TestResolveUnknownIDFails(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)
	require.Error(t, b.Resolve("nope"))
}

func TestErrorsByFiltersByCorrelationFromSeverity(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)
	b.Record(&Escalation{CorrelationID: "c1", From: "scanner", Severity: SeverityWarning, Code: "A"})
	b.Record(&Escalation{CorrelationID: "c1", From: "builder", Severity: SeverityError, Code: "B"})
	b.Record(&Escalation{CorrelationID: "c2", From: "scanner", Severity: SeverityError, Code: "C"})

	require.Len(t, b.ErrorsBy(Filter{CorrelationID: "c1"}), 2)
	require.Len(t, b.ErrorsBy(Filter{From: "scanner"}), 2)
	require.Len(t, b.ErrorsBy(Filter{Severity: SeverityError}), 2)
	require.Len(t, b.ErrorsBy(Filter{CorrelationID: "c1", Severity: SeverityError}), 1)
}

func TestCriticalHandlersAllRunDespiteEarlierPanic(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	fired := make([]string, 0)
	b.Register(SeverityCritical, func(e *Escalation) {
		mu.Lock()
		fired = append(fired, "first")
		mu.Unlock()
		panic("handler one exploded")
	})
	b.Register(SeverityCritical, func(e *Escalation) {
		mu.Lock()
		fired = append(fired, "second")
		mu.Unlock()
	})

	b.Record(&Escalation{CorrelationID: "c1", From: "builder", Severity: SeverityCritical, Code: "FATAL"})

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"first", "second"}, fired)
}

func TestEscalateSatisfiesBusEscalatorShape(t *testing.T) {
	b, err := New("", nil)
	require.NoError(t, err)
	b.Escalate("c1", "bus", "warning", "MessageDropped", "dropped under backpressure")
	errs := b.ErrorsBy(Filter{CorrelationID: "c1"})
	require.Len(t, errs, 1)
	require.Equal(t, SeverityWarning, errs[0].Severity)
}

func TestAppendOnlyLogWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.ndjson")
	b, err := New(path, nil)
	require.NoError(t, err)
	b.Record(&Escalation{CorrelationID: "c1", From: "scanner", Severity: SeverityInfo, Code: "A"})
	b.Record(&Escalation{CorrelationID: "c1", From: "scanner", Severity: SeverityInfo, Code: "B"})
	require.NoError(t, b.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)
}
