package residency

import "testing"

func TestTileStateBits(t *testing.T) {
	// Bit 1 is "mapped", bit 0 is "transfer in flight".
	cases := []struct {
		state    TileState
		mapped   bool
		inFlight bool
	}{
		{TileNotResident, false, false},
		{TileLoading, false, true},
		{TileResident, true, false},
		{TileEvicting, true, true},
	}

	for _, tc := range cases {
		if got := tc.state&0b10 != 0; got != tc.mapped {
			t.Errorf("%s: mapped bit = %v, want %v", tc.state, got, tc.mapped)
		}
		if got := tc.state&0b01 != 0; got != tc.inFlight {
			t.Errorf("%s: in-flight bit = %v, want %v", tc.state, got, tc.inFlight)
		}
	}
}

func TestTileStateString(t *testing.T) {
	if TileLoading.String() != "Loading" || TileEvicting.String() != "Evicting" {
		t.Error("unexpected TileState string")
	}
	if TileState(7).String() == "" {
		t.Error("unknown state should still render")
	}
}

func TestPackedMipStatusString(t *testing.T) {
	want := []string{"Uninitialized", "HeapReserved", "Requested", "NeedsTransition", "Resident"}
	for i, w := range want {
		if got := PackedMipStatus(i).String(); got != w {
			t.Errorf("status %d: got %q, want %q", i, got, w)
		}
	}
}
