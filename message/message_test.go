package message

import "testing"

func TestStampFillsIdentity(t *testing.T) {
	p := Partial{To: "calc", Action: Action{Name: "add", Args: map[string]any{"a": 1}}}
	m := Stamp(p, "u", "")

	if m.From != "u" {
		t.Errorf("From = %q, want u", m.From)
	}
	if m.ID() == "" {
		t.Error("expected a non-empty meta.id")
	}
	if m.Action.Name != "add" || m.Action.Args["a"] != 1 {
		t.Errorf("action not preserved: %+v", m.Action)
	}
}

func TestStampPreservesCallerMeta(t *testing.T) {
	p := Partial{
		To:     "calc",
		Meta:   map[string]any{"parent_id": "parent-1", "trace": "xyz"},
		Action: Action{Name: "add"},
	}
	m := Stamp(p, "u", "")

	if m.ParentID() != "parent-1" {
		t.Errorf("ParentID = %q, want parent-1", m.ParentID())
	}
	if m.Meta["trace"] != "xyz" {
		t.Errorf("unknown meta key dropped: %+v", m.Meta)
	}
}

func TestStampWithExplicitID(t *testing.T) {
	m := Stamp(Partial{To: "a", Action: Action{Name: "x"}}, "u", "fixed-id")
	if m.ID() != "fixed-id" {
		t.Errorf("ID = %q, want fixed-id", m.ID())
	}
}

func TestStampNilArgsBecomesEmptyMap(t *testing.T) {
	m := Stamp(Partial{To: "a", Action: Action{Name: "x"}}, "u", "")
	if m.Action.Args == nil {
		t.Error("expected non-nil args map")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       Partial
		wantErr bool
	}{
		{"ok", Partial{To: "a", Action: Action{Name: "go"}}, false},
		{"missing to", Partial{Action: Action{Name: "go"}}, true},
		{"missing action name", Partial{To: "a"}, true},
		{"reserved response name", Partial{To: "a", Action: Action{Name: ActionResponse}}, true},
		{"reserved error name", Partial{To: "a", Action: Action{Name: ActionError}}, true},
		{"bad meta id type", Partial{To: "a", Action: Action{Name: "go"}, Meta: map[string]any{"id": 5}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.p)
			if (err != nil) != c.wantErr {
				t.Errorf("Validate(%+v) err = %v, wantErr %v", c.p, err, c.wantErr)
			}
		})
	}
}

func TestIsReply(t *testing.T) {
	if !IsReply(ActionResponse) || !IsReply(ActionError) {
		t.Error("expected reserved names to be replies")
	}
	if IsReply("add") {
		t.Error("expected ordinary action name to not be a reply")
	}
}
