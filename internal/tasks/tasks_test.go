package tasks

import "testing"

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		invalid bool
	}{
		{in: "", want: StatusTodo},
		{in: "todo", want: StatusTodo},
		{in: "  In_Progress  ", want: StatusInProgress},
		{in: "in-progress", want: StatusInProgress},
		{in: "completed", want: StatusCompleted},
		{in: "stuck", want: StatusStuck},
		{in: "done", invalid: true},
		{in: "inprogress", invalid: true},
	}
	for _, tc := range cases {
		got, err := NormalizeStatus(tc.in)
		if tc.invalid {
			if err == nil {
				t.Errorf("NormalizeStatus(%q) accepted, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeStatus(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizePriority(t *testing.T) {
	if got, err := NormalizePriority(""); err != nil || got != PriorityMedium {
		t.Fatalf("empty priority = %q, %v, want medium default", got, err)
	}
	if got, err := NormalizePriority("CRITICAL"); err != nil || got != PriorityCritical {
		t.Fatalf("NormalizePriority(CRITICAL) = %q, %v", got, err)
	}
	if _, err := NormalizePriority("urgent"); err == nil {
		t.Fatal("unknown priority accepted")
	}
}

func TestValidateCompletion(t *testing.T) {
	if err := ValidateCompletion(StatusInProgress, ""); err != nil {
		t.Fatalf("non-completion transition should not require a reason: %v", err)
	}
	if err := ValidateCompletion(StatusCompleted, "   "); err == nil {
		t.Fatal("blank resolution reason accepted for completion")
	}
	if err := ValidateCompletion(StatusCompleted, "verified in audit"); err != nil {
		t.Fatalf("valid completion rejected: %v", err)
	}
}

func TestWouldCycle(t *testing.T) {
	deps := map[string]string{
		"b": "a",
		"c": "b",
	}

	if WouldCycle("a", "", deps) {
		t.Fatal("clearing a dependency can never cycle")
	}
	if !WouldCycle("a", "a", deps) {
		t.Fatal("self-dependency not detected")
	}
	// a -> c closes c -> b -> a.
	if !WouldCycle("a", "c", deps) {
		t.Fatal("transitive cycle not detected")
	}
	if WouldCycle("d", "c", deps) {
		t.Fatal("acyclic chain flagged as a cycle")
	}
}

func TestWouldCycleTerminatesOnCorruptData(t *testing.T) {
	// Stored data already contains x <-> y; linking an outsider into the
	// loop must detect it instead of spinning.
	deps := map[string]string{
		"x": "y",
		"y": "x",
	}
	if !WouldCycle("z", "x", deps) {
		t.Fatal("pre-existing cycle not detected")
	}
}
