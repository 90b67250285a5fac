package protocol

import "testing"

func TestToolAllowed(t *testing.T) {
	t.Run("no lists allows all", func(t *testing.T) {
		spec := StageSpec{}
		for _, name := range []string{"read_file", "write_file", "list_dir"} {
			if !spec.ToolAllowed(name) {
				t.Errorf("expected %q to be allowed with no lists", name)
			}
		}
	})

	t.Run("whitelist only allows listed", func(t *testing.T) {
		spec := StageSpec{ToolsWhitelist: []string{"read_file", "list_dir"}}
		if !spec.ToolAllowed("read_file") {
			t.Error("expected read_file to be allowed")
		}
		if spec.ToolAllowed("write_file") {
			t.Error("expected write_file to be denied")
		}
	})

	t.Run("whitelist takes precedence over blacklist", func(t *testing.T) {
		spec := StageSpec{
			ToolsWhitelist: []string{"read_file"},
			ToolsBlacklist: []string{"read_file"},
		}
		if !spec.ToolAllowed("read_file") {
			t.Error("expected read_file to be allowed (whitelisted)")
		}
	})

	t.Run("blacklist blocks listed", func(t *testing.T) {
		spec := StageSpec{ToolsBlacklist: []string{"write_file"}}
		if spec.ToolAllowed("write_file") {
			t.Error("expected write_file to be blocked")
		}
		if !spec.ToolAllowed("list_dir") {
			t.Error("expected list_dir to be allowed")
		}
	})
}

func TestStateTerminal(t *testing.T) {
	for _, s := range States {
		want := s == StateCompleted || s == StateBlocked
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("DONE").Valid() {
		t.Error("unknown state should not be valid")
	}
}

func TestThreadRecordClone(t *testing.T) {
	r := &ThreadRecord{State: StateCoding, Extra: map[string]string{"reason": "x"}}
	c := r.Clone()
	c.Extra["reason"] = "y"
	if r.Extra["reason"] != "x" {
		t.Error("clone shares extra map with original")
	}
	var nilRec *ThreadRecord
	if nilRec.Clone() != nil || nilRec.Get("reason") != "" {
		t.Error("nil record helpers should be nil-safe")
	}
}
