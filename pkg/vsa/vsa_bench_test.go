package vsa

import "testing"

// BenchmarkVSA_Update_Uncontended measures the raw cost of updating a
// single VSA instance from one goroutine.
func BenchmarkVSA_Update_Uncontended(b *testing.B) {
	v := New(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Update(1)
	}
}

// BenchmarkVSA_Update_Concurrent stresses the mutex under concurrent
// writers to the same instance, simulating many in-flight fetches for
// one host hammering a shared budget.
func BenchmarkVSA_Update_Concurrent(b *testing.B) {
	v := New(0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			v.Update(1)
		}
	})
}

// BenchmarkVSA_TryConsume_Contended measures the cost of the
// check-and-consume path under contention, the operation retry.Budget
// calls on every scheduled attempt.
func BenchmarkVSA_TryConsume_Contended(b *testing.B) {
	v := New(1 << 40)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			v.TryConsume(1)
		}
	})
}

// BenchmarkVSA_Available_Uncontended measures the read-only path behind
// retry.Budget.Remaining.
func BenchmarkVSA_Available_Uncontended(b *testing.B) {
	v := New(1 << 40)
	v.Update(7)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = v.Available()
	}
}

// BenchmarkVSA_CommitWorkflow exercises the CheckCommit/Commit pair at
// a fixed threshold, folding consumed units back into the scalar
// baseline. retry.Budget does not call CheckCommit or Commit.
func BenchmarkVSA_CommitWorkflow(b *testing.B) {
	v := New(1 << 40)
	threshold := int64(50)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Update(1)
		if ok, amount := v.CheckCommit(threshold); ok {
			v.Commit(amount)
		}
	}
}

func BenchmarkVSA_Update_ManyInstances(b *testing.B) {
	const n = 1000
	instances := make([]*VSA, n)
	for i := range instances {
		instances[i] = New(0)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			instances[i%n].Update(1)
			i++
		}
	})
}

