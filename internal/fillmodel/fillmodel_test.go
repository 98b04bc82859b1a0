package fillmodel

import "testing"

func TestModelsMonotonicInFront(t *testing.T) {
	t.Parallel()

	models := []struct {
		name  string
		model Model
	}{
		{"PowerProbQueueFunc", PowerProbQueueFunc{N: 2}},
		{"PowerProbQueueFunc2", PowerProbQueueFunc2{N: 2}},
		{"PowerProbQueueFunc3", PowerProbQueueFunc3{N: 2}},
		{"LogProbQueueFunc", LogProbQueueFunc{}},
		{"LogProbQueueFunc2", LogProbQueueFunc2{}},
	}

	for _, tt := range models {
		t.Run(tt.name, func(t *testing.T) {
			withoutFront := tt.model.Prob(10, 0)
			withFront := tt.model.Prob(10, 5)
			if withoutFront < withFront {
				t.Errorf("%s: prob(10,0)=%v should be >= prob(10,5)=%v", tt.name, withoutFront, withFront)
			}
		})
	}
}

func TestModelsZeroBackYieldsZero(t *testing.T) {
	t.Parallel()

	models := []Model{
		PowerProbQueueFunc{N: 2},
		PowerProbQueueFunc2{N: 2},
		PowerProbQueueFunc3{N: 2},
		LogProbQueueFunc{},
		LogProbQueueFunc2{},
	}

	for _, m := range models {
		if got := m.Prob(0, 5); got != 0 {
			t.Errorf("%T.Prob(0,5) = %v, want 0", m, got)
		}
	}
}

func TestNoneIsAlwaysOne(t *testing.T) {
	t.Parallel()

	n := None{}
	if n.Prob(0, 0) != 1 || n.Prob(5, 5) != 1 {
		t.Error("None model must always return 1")
	}
}

func TestClampInputsEdgeCases(t *testing.T) {
	t.Parallel()

	m := PowerProbQueueFunc{N: 3}
	if got := m.Prob(0, 0); got != 1 {
		t.Errorf("Prob(0,0) = %v, want 1 (clamped)", got)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	if Clamp(1.5) != 1 {
		t.Error("Clamp(1.5) should be 1")
	}
	if Clamp(-0.5) != 0 {
		t.Error("Clamp(-0.5) should be 0")
	}
	if Clamp(0.5) != 0.5 {
		t.Error("Clamp(0.5) should be unchanged")
	}
}
