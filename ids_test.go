package eternity

import "testing"

func TestActivityKeyStableAcrossCalls(t *testing.T) {
	a := activityKey("wf-1", "SendEmail", []byte("args"), true, 0)
	b := activityKey("wf-1", "SendEmail", []byte("args"), true, 0)
	if a != b {
		t.Errorf("activityKey is not stable: %q != %q", a, b)
	}
}

func TestActivityKeyUniqueByArgsDistinguishesArguments(t *testing.T) {
	a := activityKey("wf-1", "SendEmail", []byte("args-1"), true, 0)
	b := activityKey("wf-1", "SendEmail", []byte("args-2"), true, 0)
	if a == b {
		t.Errorf("activityKey with uniqueByArgs=true should differ for different args, both got %q", a)
	}
}

func TestActivityKeyNotUniqueByArgsIgnoresArguments(t *testing.T) {
	a := activityKey("wf-1", "SendEmail", []byte("args-1"), false, 3)
	b := activityKey("wf-1", "SendEmail", []byte("args-2"), false, 3)
	if a != b {
		t.Errorf("activityKey with uniqueByArgs=false should ignore args, got %q != %q", a, b)
	}
}

func TestActivityKeyCallSeqDistinguishesRepeatedCalls(t *testing.T) {
	a := activityKey("wf-1", "$delay", nil, false, 0)
	b := activityKey("wf-1", "$delay", nil, false, 1)
	if a == b {
		t.Errorf("activityKey at different call sequences should differ, both got %q", a)
	}
}

func TestActivityKeyDistinguishesWorkflowsAndMethods(t *testing.T) {
	base := activityKey("wf-1", "SendEmail", []byte("args"), true, 0)
	otherWorkflow := activityKey("wf-2", "SendEmail", []byte("args"), true, 0)
	otherMethod := activityKey("wf-1", "ChargeCard", []byte("args"), true, 0)
	if base == otherWorkflow {
		t.Error("activityKey should depend on workflow id")
	}
	if base == otherMethod {
		t.Error("activityKey should depend on method name")
	}
}

func TestChildWorkflowIDStableAndDistinct(t *testing.T) {
	a := childWorkflowID("parent-1", "ShipOrder", 0)
	b := childWorkflowID("parent-1", "ShipOrder", 0)
	if a != b {
		t.Errorf("childWorkflowID is not stable: %q != %q", a, b)
	}

	secondCall := childWorkflowID("parent-1", "ShipOrder", 1)
	if a == secondCall {
		t.Error("childWorkflowID should distinguish call-site sequence for repeated child types")
	}

	otherType := childWorkflowID("parent-1", "NotifyCustomer", 0)
	if a == otherType {
		t.Error("childWorkflowID should distinguish child type")
	}
}
