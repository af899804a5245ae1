package engine

import (
	"encoding/json"
	"testing"
)

func TestParseBinding(t *testing.T) {
	tests := []struct {
		text    string
		wantRef *Ref
		wantLit string
		wantErr bool
	}{
		{text: "{{InstanceId}}", wantRef: &Ref{Name: "InstanceId"}},
		{text: "{{ InstanceId }}", wantRef: &Ref{Name: "InstanceId"}},
		{text: "{{Describe.InstanceType}}", wantRef: &Ref{Step: "Describe", Name: "InstanceType"}},
		{text: "m5.large", wantLit: "m5.large"},
		{text: "", wantLit: ""},
		{text: "prefix-{{InstanceId}}", wantErr: true},
		{text: "{{A.B.C}}", wantErr: true},
		{text: "{{InstanceId}}; rm -rf /", wantErr: true},
		{text: "{{}}", wantErr: true},
		{text: "closing }} only", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			b, err := ParseBinding(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %v", b)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			ref, isRef := b.Ref()
			if tt.wantRef != nil {
				if !isRef || ref != *tt.wantRef {
					t.Errorf("Expected ref %v, got %v (isRef=%v)", *tt.wantRef, ref, isRef)
				}
				return
			}
			if isRef {
				t.Fatalf("Expected literal, got ref %v", ref)
			}
			if b.Value().String() != tt.wantLit {
				t.Errorf("Expected literal %q, got %q", tt.wantLit, b.Value().String())
			}
		})
	}
}

func TestBindingTextRoundTrip(t *testing.T) {
	inputs := map[string]Binding{
		"A": From("Describe", "State"),
		"B": Param("Id"),
		"C": Literal(String("x")),
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"A":"{{Describe.State}}","B":"{{Id}}","C":"x"}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}

	var decoded map[string]Binding
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ref, ok := decoded["A"].Ref(); !ok || ref.Step != "Describe" {
		t.Errorf("Expected decoded reference, got %v", decoded["A"])
	}
}

func TestValueCoercion(t *testing.T) {
	if n, err := String(" 42 ").AsInt(); err != nil || n != 42 {
		t.Errorf("Expected 42, got %d (%v)", n, err)
	}
	if _, err := Number(1.5).AsInt(); err == nil {
		t.Error("Expected error for fractional int")
	}
	if b, err := String("true").AsBool(); err != nil || !b {
		t.Errorf("Expected true, got %v (%v)", b, err)
	}
	if _, err := Number(1).AsBool(); err == nil {
		t.Error("Expected error converting number to bool")
	}
	if s := Number(30).String(); s != "30" {
		t.Errorf("Expected 30, got %s", s)
	}
	if s := Number(0.25).String(); s != "0.25" {
		t.Errorf("Expected 0.25, got %s", s)
	}
	if v, err := Bool(true).Coerce(ValueTypeString); err != nil || v.String() != "true" || v.Type() != ValueTypeString {
		t.Errorf("Expected string true, got %v (%v)", v, err)
	}
	if !(Value{}).IsZero() {
		t.Error("Expected zero value to be unset")
	}
}

func TestValueJSON(t *testing.T) {
	params := Parameters{"a": String("x"), "b": Bool(true), "c": Int(3)}
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Parameters
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["b"].Type() != ValueTypeBoolean || decoded["c"].Type() != ValueTypeNumber {
		t.Errorf("Expected types preserved, got %v", decoded)
	}
}

func TestExecutionContextWriteOnce(t *testing.T) {
	ec := NewExecutionContext()
	if err := ec.Set("Describe", "State", String("running")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := ec.Set("Describe", "State", String("stopped")); err == nil {
		t.Error("Expected second write to fail")
	}
	v, _ := ec.Get("Describe", "State")
	if v.String() != "running" {
		t.Errorf("Expected first value to be kept, got %s", v)
	}

	snap := ec.Snapshot()
	snap["Describe"]["State"] = String("mutated")
	v, _ = ec.Get("Describe", "State")
	if v.String() != "running" {
		t.Error("Snapshot must be a deep copy")
	}
}

func TestSnapshotFailures(t *testing.T) {
	ec := NewExecutionContext()
	_ = ec.Set("Check", OutputSuccess, Bool(false))
	_ = ec.Set("Check", OutputError, String("exit 1"))
	_ = ec.Set("Stop", OutputSuccess, Bool(true))

	snap := ec.Snapshot()
	if snap.Succeeded("Check") || !snap.Succeeded("Stop") {
		t.Error("Unexpected success flags")
	}
	if got := snap.FailedSteps(); len(got) != 1 || got[0] != "Check" {
		t.Errorf("Expected [Check], got %v", got)
	}
}

func TestSelect(t *testing.T) {
	doc := map[string]interface{}{
		"State": "running",
		"Attributes": map[string]interface{}{
			"InstanceType": "m5.large",
			"VCpus":        2,
		},
	}

	tests := []struct {
		out  Output
		want Value
	}{
		{Output{Name: "State"}, String("running")},
		{Output{Name: "Type", Selector: `Attributes["InstanceType"]`}, String("m5.large")},
		{Output{Name: "Type", Selector: `result["Attributes"]["InstanceType"]`}, String("m5.large")},
		{Output{Name: "Family", Selector: `Attributes["InstanceType"].split(".")[0]`}, String("m5")},
		{Output{Name: "Running", Selector: `State == "running"`, Type: ValueTypeBoolean}, Bool(true)},
		{Output{Name: "Cpus", Selector: `Attributes["VCpus"] * 2`, Type: ValueTypeNumber}, Int(4)},
	}
	for _, tt := range tests {
		got, err := SelectValue(doc, tt.out)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.out.Selector, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.out.Selector, tt.want, got)
		}
	}

	if _, err := SelectValue(doc, Output{Name: "Missing"}); err == nil {
		t.Error("Expected error for missing field")
	}
	if _, err := SelectValue(doc, Output{Name: "X", Selector: `Attributes`}); err == nil {
		t.Error("Expected error for non-scalar selector result")
	}
	if _, err := SelectValue(doc, Output{Name: "X", Selector: `State`, Type: ValueTypeNumber}); err == nil {
		t.Error("Expected error coercing running to a number")
	}
}
