package batch

import "testing"

func TestDetect_EnvOverride(t *testing.T) {
	t.Setenv(WorkerModelEnv, "process")
	c := detect()
	if c.Parallel {
		t.Fatalf("detect with process override: Parallel = true, want false")
	}
	if c.Source != "env" {
		t.Fatalf("detect with process override: Source = %q, want env", c.Source)
	}

	t.Setenv(WorkerModelEnv, "Goroutine")
	c = detect()
	if !c.Parallel {
		t.Fatalf("detect with goroutine override: Parallel = false, want true")
	}
	if c.Source != "env" {
		t.Fatalf("detect with goroutine override: Source = %q, want env", c.Source)
	}

	t.Setenv(WorkerModelEnv, "bogus")
	c = detect()
	if c.Source != "probe" {
		t.Fatalf("detect with unknown override: Source = %q, want probe", c.Source)
	}
}

func TestProbe_Stable(t *testing.T) {
	a := Probe()
	b := Probe()
	if a != b {
		t.Fatalf("Probe returned %+v then %+v, want identical results", a, b)
	}
	if a.Cores < 1 || a.MaxProcs < 1 {
		t.Fatalf("Probe = %+v, want positive core counts", a)
	}
}

func TestCapability_Workers(t *testing.T) {
	four := Capability{Cores: 4}
	tests := []struct {
		name       string
		cap        Capability
		hint, jobs int
		want       int
	}{
		{"auto derives from cores", four, 0, 16, 4},
		{"hint respected", four, 2, 16, 2},
		{"hint capped at twice cores", four, 100, 100, 8},
		{"never exceeds jobs", four, 6, 3, 3},
		{"negative hint falls back to cores", four, -2, 8, 4},
		{"zero cores still one worker", Capability{}, 0, 5, 1},
		{"single job single worker", four, 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cap.Workers(tt.hint, tt.jobs); got != tt.want {
				t.Fatalf("Workers(%d, %d) = %d, want %d", tt.hint, tt.jobs, got, tt.want)
			}
		})
	}
}
