package taskqueue

import (
	"errors"
	"testing"

	"github.com/eugener/leaseq/internal/testutil"
)

func TestDrain(t *testing.T) {
	t.Parallel()

	q := testutil.NewFakeQueue()
	for range 250 {
		q.Add(`{}`)
	}

	n, err := Drain(t.Context(), q)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 250 {
		t.Errorf("deleted %d, want 250", n)
	}
	if q.Len() != 0 {
		t.Errorf("%d tasks left", q.Len())
	}
	if lists := q.Count(testutil.OpList); lists != 3 {
		t.Errorf("list calls = %d, want 3", lists)
	}
}

func TestDrainEmpty(t *testing.T) {
	t.Parallel()

	q := testutil.NewFakeQueue()
	n, err := Drain(t.Context(), q)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || q.Count(testutil.OpDelete) != 0 {
		t.Errorf("deleted %d with %d delete calls, want none", n, q.Count(testutil.OpDelete))
	}
}

func TestDrainDeleteError(t *testing.T) {
	t.Parallel()

	q := testutil.NewFakeQueue()
	q.Add(`{}`)
	q.Add(`{}`)
	q.DeleteErr = errors.New("permission denied")

	n, err := Drain(t.Context(), q)
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Errorf("deleted %d, want 0", n)
	}
}

func TestDrainSkipsVanishedTasks(t *testing.T) {
	t.Parallel()

	q := testutil.NewFakeQueue()
	gone := q.Add(`{}`)
	q.Add(`{}`)
	q.OnCall = func(op, name string) {
		if op == testutil.OpDelete && name != gone {
			return
		}
		if op == testutil.OpList {
			return
		}
		// Remove the task behind Drain's back before its delete lands.
		q.OnCall = nil
		_ = q.Delete(t.Context(), gone)
	}

	n, err := Drain(t.Context(), q)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}
