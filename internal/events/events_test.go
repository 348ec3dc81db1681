package events

import "testing"

func TestListenersFireInRegistrationOrder(t *testing.T) {
	var reg Registry[int]
	var order []int

	reg.Add(func(v int) { order = append(order, v*10+1) })
	reg.Add(func(v int) { order = append(order, v*10+2) })
	reg.Add(func(v int) { order = append(order, v*10+3) })

	reg.Emit(5)

	want := []int{51, 52, 53}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestRemoveStopsFutureEmits(t *testing.T) {
	var reg Registry[string]
	var calls int

	h := reg.Add(func(string) { calls++ })
	reg.Emit("a")
	reg.Remove(h)
	reg.Emit("b")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
}

func TestMultipleIndependentSubscribersAllFire(t *testing.T) {
	var reg Registry[int]
	aCalled, bCalled := false, false

	reg.Add(func(int) { aCalled = true })
	reg.Add(func(int) { bCalled = true })
	reg.Emit(1)

	if !aCalled || !bCalled {
		t.Fatalf("expected both subscribers to fire: a=%v b=%v", aCalled, bCalled)
	}
}
