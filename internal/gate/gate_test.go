package gate

import "testing"

func TestGateTryEnterExcludes(t *testing.T) {
	var g Gate
	if !g.TryEnter() {
		t.Fatal("expected first TryEnter to succeed")
	}
	if g.TryEnter() {
		t.Fatal("expected second TryEnter to fail while running")
	}
	if !g.Running() {
		t.Fatal("expected gate to report running")
	}
	g.Exit()
	if g.Running() {
		t.Fatal("expected gate to report idle after Exit")
	}
	if !g.TryEnter() {
		t.Fatal("expected TryEnter to succeed again after Exit")
	}
}
