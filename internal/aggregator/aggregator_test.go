package aggregator

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clemsix6/control-fabric/internal/coding"
	"github.com/clemsix6/control-fabric/internal/fixedpoint"
)

func identityMatrix(n int) [][]fixedpoint.Scalar {
	m := make([][]fixedpoint.Scalar, n)
	for i := range m {
		m[i] = make([]fixedpoint.Scalar, n)
		m[i][i] = fixedpoint.MaxValue
	}
	return m
}

func TestContextApplyCommittedStateSwapsAtomically(t *testing.T) {
	matrix := identityMatrix(4)
	x := make([]fixedpoint.Scalar, 4)
	ctx := NewContext(1, nil, nil, matrix, x, 6)

	if got := len(ctx.Matrix()); got != 4 {
		t.Fatalf("Matrix() len = %d, want 4", got)
	}

	newMatrix := identityMatrix(8)
	newX := make([]fixedpoint.Scalar, 8)
	ctx.ApplyCommittedState(newMatrix, newX, 12)

	if got := len(ctx.Matrix()); got != 8 {
		t.Fatalf("Matrix() len after commit = %d, want 8", got)
	}
	if got := len(ctx.State()); got != 8 {
		t.Fatalf("State() len after commit = %d, want 8", got)
	}
}

func TestWorkerRosterUpsertAndRemove(t *testing.T) {
	r := NewWorkerRoster()
	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9200")

	r.Upsert(1, addr)
	r.Upsert(2, addr)
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	r.MarkSeen(1)
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}

	r.Remove(2)
	if r.Len() != 1 {
		t.Fatalf("Len() after Remove = %d, want 1", r.Len())
	}
}

func TestCycleStateOfferResultRejectsUnexpectedSeed(t *testing.T) {
	cs := NewCycleState(1, 4, time.Now().Add(time.Second))
	cs.ExpectBlock(0, 999)

	if cs.OfferResult(0, 111, fixedpoint.MaxValue, false) {
		t.Fatal("expected OfferResult to reject a seed mismatch")
	}
	if !cs.OfferResult(0, 999, fixedpoint.MaxValue, false) {
		t.Fatal("expected OfferResult to accept the expected seed")
	}
}

func TestDispatchTasksSkipsEmptyRoster(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	cs := NewCycleState(1, 4, time.Now().Add(time.Second))
	x := make([]fixedpoint.Scalar, 4)
	if err := DispatchTasks(conn, cs, NewWorkerRoster(), x, 6); err != nil {
		t.Fatalf("DispatchTasks with empty roster: %v", err)
	}
}

func TestDispatchTasksRoundRobinsAndRecordsExpectations(t *testing.T) {
	agg, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP (aggregator): %v", err)
	}
	defer agg.Close()

	worker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP (worker): %v", err)
	}
	defer worker.Close()

	roster := NewWorkerRoster()
	roster.Upsert(1, worker.LocalAddr().(*net.UDPAddr))

	cs := NewCycleState(5, 4, time.Now().Add(time.Second))
	x := make([]fixedpoint.Scalar, 4)
	const k = 3
	if err := DispatchTasks(agg, cs, roster, x, k); err != nil {
		t.Fatalf("DispatchTasks: %v", err)
	}

	buf := make([]byte, 2048)
	worker.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < k; i++ {
		if _, _, err := worker.ReadFromUDP(buf); err != nil {
			t.Fatalf("expected %d TaskFrames, failed reading #%d: %v", k, i, err)
		}
	}

	for b := uint32(0); b < k; b++ {
		want := coding.DeriveSeed(cs.Cycle, b)
		if !cs.OfferResult(b, want, fixedpoint.MaxValue, false) {
			t.Fatalf("block %d was not recorded as expected with seed %d", b, want)
		}
	}
}

func TestMetricsObserveCycleFlagsBudgetExceeded(t *testing.T) {
	m := NewMetrics()
	m.ObserveCycle(20*time.Millisecond, 15*time.Millisecond)

	if got := testutil.ToFloat64(m.BudgetExceeded); got != 1 {
		t.Fatalf("BudgetExceeded count = %v, want 1", got)
	}
}
