package patch

import (
	"testing"

	"audiorack/internal/atom"
	"audiorack/internal/graph"
	"audiorack/internal/urid"
)

func TestGetIsProcessedInAnyState(t *testing.T) {
	u := urid.NewMap()
	d := New(graph.New(), u)
	d.state = Drain

	reply := d.Apply(Message{Kind: MsgGet, Subject: 1, Property: u.Map("urn:prop")})
	if reply == nil || reply.Kind != MsgSet {
		t.Fatalf("expected a patch:Set reply, got %+v", reply)
	}
}

func TestPresetSetDrivesDrainBlockWaitRunSequence(t *testing.T) {
	u := urid.NewMap()
	d := New(graph.New(), u)

	var loadedURN urid.URID
	var loadedPreset string
	d.OnPresetLoad = func(urn urid.URID, preset string) {
		loadedURN = urn
		loadedPreset = preset
	}

	d.Apply(Message{
		Kind:     MsgSet,
		Subject:  7,
		Property: u.Map(urid.URIPsetPreset),
		Value:    atom.URIValue("urn:preset:warm"),
	})
	if d.State() != Drain {
		t.Fatalf("expected DRAIN immediately after preset Set, got %v", d.State())
	}

	d.NotifyDrainComplete()
	if d.State() != Wait {
		t.Fatalf("expected WAIT after drain-complete + restore dispatch, got %v", d.State())
	}
	if loadedURN != 7 || loadedPreset != "urn:preset:warm" {
		t.Fatalf("expected OnPresetLoad(7, warm), got (%d, %q)", loadedURN, loadedPreset)
	}

	d.NotifyRestoreComplete()
	if d.State() != Run {
		t.Fatalf("expected RUN after restore-complete, got %v", d.State())
	}
}

func TestObjPatchAppliesRemoveBeforeAdd(t *testing.T) {
	u := urid.NewMap()
	d := New(graph.New(), u)

	var order []string
	d.ModulePatch = func(remove, add []atom.Property) {
		if len(remove) > 0 {
			order = append(order, "remove")
		}
		if len(add) > 0 {
			order = append(order, "add")
		}
	}

	removeObj := atom.ObjectValue(0, 0, atom.Property{Key: u.Map("spod:moduleList"), Value: atom.Int32(1)})
	addObj := atom.ObjectValue(0, 0, atom.Property{Key: u.Map("spod:moduleList"), Value: atom.StringValue("urn:plugin:new")})

	d.Apply(Message{Kind: MsgObjPatch, Remove: removeObj, Add: addObj})

	if len(order) != 2 || order[0] != "remove" || order[1] != "add" {
		t.Fatalf("expected remove then add, got %v", order)
	}
}

func TestCopyWithDestinationTriggersBundleSave(t *testing.T) {
	u := urid.NewMap()
	d := New(graph.New(), u)
	var savedPath string
	d.OnBundleSave = func(path string) { savedPath = path }

	dest := u.Map("file:///tmp/bundle.ttl")
	d.Apply(Message{Kind: MsgCopy, Destination: dest})

	if savedPath != "file:///tmp/bundle.ttl" {
		t.Fatalf("expected bundle save path, got %q", savedPath)
	}
}
