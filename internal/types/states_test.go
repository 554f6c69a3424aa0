package types

import "testing"

func TestEngineStateRoundTrip(t *testing.T) {
	for s := StateIdle; s <= StateError; s++ {
		name := s.String()
		if name == "" {
			t.Fatalf("state %d has empty name", int(s))
		}
		parsed, err := ParseEngineState(name)
		if err != nil {
			t.Fatalf("ParseEngineState(%q): %v", name, err)
		}
		if parsed != s {
			t.Fatalf("round trip of %q: got %v want %v", name, parsed, s)
		}
	}
}

func TestParseEngineStateRejectsUnknown(t *testing.T) {
	for _, name := range []string{"", "RUNNING", "idle", "ERROR_STATE"} {
		if _, err := ParseEngineState(name); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
}

func TestCanStartTask(t *testing.T) {
	allowed := map[EngineState]bool{
		StateIdle:            true,
		StateProjectSelected: true,
		StateTaskComplete:    true,
		StateError:           true,
	}
	for s := StateIdle; s <= StateError; s++ {
		if got := s.CanStartTask(); got != allowed[s] {
			t.Errorf("CanStartTask(%v) = %v, want %v", s, got, allowed[s])
		}
	}
}

func TestIsRunning(t *testing.T) {
	running := map[EngineState]bool{
		StateWaitingInitialBackend: true,
		StateWaitingResult:         true,
		StateProcessingResult:      true,
		StateCallingBackend:        true,
	}
	for s := StateIdle; s <= StateError; s++ {
		if got := s.IsRunning(); got != running[s] {
			t.Errorf("IsRunning(%v) = %v, want %v", s, got, running[s])
		}
	}
}

func TestAppendTurnCountsManagerTurns(t *testing.T) {
	ps := NewProjectState("p1")
	ps.AppendTurn(NewTurn(SenderUser, "start"))
	ps.AppendTurn(NewTurn(SenderManager, "step 1"))
	ps.AppendTurn(NewTurn(SenderWorkerLog, "done"))
	ps.AppendTurn(NewTurn(SenderManagerClarification, "which file?"))

	if ps.HistoryLen() != 4 {
		t.Fatalf("history length = %d, want 4", ps.HistoryLen())
	}
	if ps.ManagerTurnsSinceSummary != 2 {
		t.Fatalf("manager turns since summary = %d, want 2", ps.ManagerTurnsSinceSummary)
	}
}

func TestRecentTurns(t *testing.T) {
	ps := NewProjectState("p1")
	for i := 0; i < 5; i++ {
		ps.AppendTurn(NewTurn(SenderSystem, "turn"))
	}
	if got := len(ps.RecentTurns(2)); got != 2 {
		t.Fatalf("RecentTurns(2) returned %d turns", got)
	}
	if got := len(ps.RecentTurns(0)); got != 5 {
		t.Fatalf("RecentTurns(0) returned %d turns, want all 5", got)
	}
	if got := len(ps.RecentTurns(10)); got != 5 {
		t.Fatalf("RecentTurns(10) returned %d turns, want all 5", got)
	}
}

func TestKindOf(t *testing.T) {
	err := NewEngineError(ErrResultTimeout, "waiting for worker result", nil)
	if KindOf(err) != ErrResultTimeout {
		t.Fatalf("KindOf = %v, want result_timeout", KindOf(err))
	}
	if KindOf(Errorf(ErrValidation, "no active project")) != ErrValidation {
		t.Fatalf("expected validation kind")
	}
}
