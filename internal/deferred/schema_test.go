package deferred

import "testing"

func TestSchemaSet_ValidatesSubtasks(t *testing.T) {
	set, err := NewSchemaSet()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	good := `[{"user_id":"u1","prompt":"do the thing"}]`
	if err := set.Validate(KindSubtasks, []byte(good)); err != nil {
		t.Fatalf("valid subtasks document rejected: %v", err)
	}

	missingPrompt := `[{"user_id":"u1"}]`
	if err := set.Validate(KindSubtasks, []byte(missingPrompt)); err == nil {
		t.Fatal("expected validation error for a subtask missing prompt")
	}

	notAnArray := `{"user_id":"u1","prompt":"x"}`
	if err := set.Validate(KindSubtasks, []byte(notAnArray)); err == nil {
		t.Fatal("expected validation error for a non-array subtasks document")
	}
}

func TestSchemaSet_ValidatesEmailOutput(t *testing.T) {
	set, err := NewSchemaSet()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	good := `{"subject":"hi","body":"hello there","format":"plain"}`
	if err := set.Validate(KindEmailOutput, []byte(good)); err != nil {
		t.Fatalf("valid email output rejected: %v", err)
	}

	missingBody := `{"subject":"hi"}`
	if err := set.Validate(KindEmailOutput, []byte(missingBody)); err == nil {
		t.Fatal("expected validation error for an email output missing body")
	}

	badFormat := `{"subject":"hi","body":"x","format":"rtf"}`
	if err := set.Validate(KindEmailOutput, []byte(badFormat)); err == nil {
		t.Fatal("expected validation error for an unrecognized format enum value")
	}
}

func TestSchemaSet_ValidatesTrackedTransactions(t *testing.T) {
	set, err := NewSchemaSet()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	if err := set.Validate(KindTrackedTransactions, []byte(`[{"amount":10},{"amount":20}]`)); err != nil {
		t.Fatalf("valid tracked_transactions document rejected: %v", err)
	}
	if err := set.Validate(KindTrackedTransactions, []byte(`"not an array"`)); err == nil {
		t.Fatal("expected validation error for a non-array tracked_transactions document")
	}
}

func TestSchemaSet_InvalidJSONRejected(t *testing.T) {
	set, err := NewSchemaSet()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	if err := set.Validate(KindEmailOutput, []byte(`{not json`)); err == nil {
		t.Fatal("expected an error decoding malformed JSON")
	}
}
