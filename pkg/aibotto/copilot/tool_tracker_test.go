package copilot

import (
	"sync"
	"testing"
)

func TestSessionKey(t *testing.T) {
	t.Parallel()
	if got := SessionKey(42, 0); got != "user_42" {
		t.Errorf("SessionKey(42, 0) = %q", got)
	}
	if got := SessionKey(42, -100); got != "42_-100" {
		t.Errorf("SessionKey(42, -100) = %q", got)
	}
}

func TestFingerprint_IgnoresFormatting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"key order", `{"a":1,"b":"x"}`, `{"b":"x","a":1}`, true},
		{"whitespace", `{"command":"date"}`, "{ \"command\" :\n \"date\" }", true},
		{"empty is object", ``, `{}`, true},
		{"unicode forms", `{"q":"caf\u00e9"}`, "{\"q\":\"cafe\u0301\"}", true},
		{"different value", `{"command":"date"}`, `{"command":"ls"}`, false},
		{"number precision", `{"n":1}`, `{"n":1.0}`, false},
		{"invalid json kept raw", `not json`, ` not json `, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			same := Fingerprint("tool", tt.a) == Fingerprint("tool", tt.b)
			if same != tt.same {
				t.Errorf("same = %v, want %v", same, tt.same)
			}
		})
	}

	if Fingerprint("a", "{}") == Fingerprint("b", "{}") {
		t.Error("different names share a fingerprint")
	}
}

func TestToolTracker_DuplicateAcrossSessions(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)

	if tr.IsDuplicate("search_web", `{"query":"go"}`, "s1") {
		t.Fatal("fresh tracker reports duplicate")
	}
	tr.Track("search_web", `{"query":"go"}`, "s1")
	if !tr.IsDuplicate("search_web", `{ "query": "go" }`, "s1") {
		t.Error("tracked call not reported as duplicate")
	}
	if tr.IsDuplicate("search_web", `{"query":"go"}`, "s2") {
		t.Error("duplicate leaked into another session")
	}
}

func TestToolTracker_Similar(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)
	tr.Track("execute_cli_command", `{"command":"date"}`, "s")

	if !tr.IsSimilar("execute_cli_command", `{"command":"uptime"}`, "s") {
		t.Error("same function with other args should be similar")
	}
	if tr.IsSimilar("execute_cli_command", `{"command":"date"}`, "s") {
		t.Error("identical call should not count as similar")
	}
	if tr.IsSimilar("search_web", `{"query":"x"}`, "s") {
		t.Error("other function should not be similar")
	}
}

func TestToolTracker_ShouldPreventRetry(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)
	for _, q := range []string{"a", "b", "c"} {
		tr.Track("search_web", `{"query":"`+q+`"}`, "s")
	}
	if tr.ShouldPreventRetry("search_web", `{"query":"d"}`, "s") {
		t.Error("three calls should not trigger prevention")
	}
	tr.Track("search_web", `{"query":"d"}`, "s")
	if !tr.ShouldPreventRetry("search_web", `{"query":"e"}`, "s") {
		t.Error("four calls should trigger prevention")
	}

	tr.Track("execute_cli_command", `{"command":"python3 -c 'print(1)'"}`, "s")
	if tr.ShouldPreventRetry("execute_cli_command", `{"command":"python3 -c 'print(2)'"}`, "s") {
		t.Error("one costly call should be allowed")
	}
	tr.Track("execute_cli_command", `{"command":"python3 -c 'print(2)'"}`, "s")
	if !tr.ShouldPreventRetry("execute_cli_command", `{"command":"python3 -c 'print(3)'"}`, "s") {
		t.Error("second costly call should trigger prevention")
	}
}

func TestToolTracker_Admit(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)

	v := tr.Admit("search_web", `{"query":"go"}`, "s")
	if v.Duplicate || v.Similar || v.PreventRetry {
		t.Fatalf("first call verdict = %+v", v)
	}
	if v := tr.Admit("search_web", `{"query":"go"}`, "s"); !v.Duplicate {
		t.Errorf("repeat verdict = %+v, want duplicate", v)
	}
	if v := tr.Admit("search_web", `{"query":"rust"}`, "s"); !v.Similar || v.Duplicate {
		t.Errorf("variant verdict = %+v, want similar", v)
	}
}

func TestToolTracker_AdmitConcurrentIdentical(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)

	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v := tr.Admit("execute_cli_command", `{"command":"date"}`, "s"); !v.Duplicate {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Errorf("admitted = %d, want 1", admitted)
	}
}

func TestToolTracker_ResetAndCleanup(t *testing.T) {
	t.Parallel()
	tr := NewToolTracker(nil)
	tr.Track("search_web", `{"query":"go"}`, "s1")
	tr.Track("search_web", `{"query":"go"}`, StatelessSessionKey)

	tr.ResetStateless()
	if tr.IsDuplicate("search_web", `{"query":"go"}`, StatelessSessionKey) {
		t.Error("stateless session not cleared")
	}
	if !tr.IsDuplicate("search_web", `{"query":"go"}`, "s1") {
		t.Error("ResetStateless cleared another session")
	}

	if removed := tr.CleanupOldEntries(); removed != 1 {
		t.Errorf("removed = %d, want 1 (the emptied stateless session)", removed)
	}
	if tr.SessionCount() != 1 {
		t.Errorf("sessions = %d, want 1", tr.SessionCount())
	}

	tr.ResetSession("s1")
	tr.CleanupOldEntries()
	if tr.SessionCount() != 0 {
		t.Errorf("sessions = %d, want 0", tr.SessionCount())
	}
}
