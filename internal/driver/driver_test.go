package driver

import "testing"

func TestCallbacksSystemPortAddReturnsBackendHandle(t *testing.T) {
	var added []string
	cb := Callbacks{
		SystemPortAdd: func(portType SystemPortType, shortName, prettyName, designation string, isInput bool, order int) uintptr {
			added = append(added, shortName)
			return uintptr(len(added))
		},
	}

	h := cb.SystemPortAdd(SystemAudio, "in_1", "Input 1", "left", true, 0)
	if h != 1 {
		t.Fatalf("expected handle 1, got %d", h)
	}
	if len(added) != 1 || added[0] != "in_1" {
		t.Fatalf("expected backend to record port add, got %v", added)
	}
}
