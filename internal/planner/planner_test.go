package planner

import (
	"testing"

	"github.com/shaunagostinho/uartharness/internal/portio"
)

func fullCaps() Capabilities {
	return Capabilities{
		MaxBaud:            115200,
		SupportedParities:  []portio.Parity{portio.ParityNone, portio.ParityEven, portio.ParityOdd},
		SupportedBits:      []int{7, 8},
		SupportedFlow:      []portio.Flow{portio.FlowNone, portio.FlowRtsCts},
		SupportsFullDuplex: true,
	}
}

func TestBuildOrdering(t *testing.T) {
	filters := Filters{
		Tests:    []string{"max-rate"},
		Bauds:    []uint32{9600, 115200},
		Parities: []portio.Parity{portio.ParityNone},
		Bits:     []int{8},
		Flows:    []portio.Flow{portio.FlowNone},
		Dirs:        []Direction{DirTx, DirRx},
		Frames:      10,
		PayloadSize: 16,
	}

	plan := Build(filters, fullCaps(), fullCaps())
	if len(plan) != 4 {
		t.Fatalf("len(plan) = %d, want 4 (2 bauds x 2 dirs)", len(plan))
	}
	// Outer loop is baud ascending; inner is direction in user order.
	want := []struct {
		baud uint32
		dir  Direction
	}{
		{9600, DirTx}, {9600, DirRx},
		{115200, DirTx}, {115200, DirRx},
	}
	for i, w := range want {
		if plan[i].PortConfig.Baud != w.baud || plan[i].Direction != w.dir {
			t.Errorf("plan[%d] = {baud=%d dir=%v}, want {baud=%d dir=%v}",
				i, plan[i].PortConfig.Baud, plan[i].Direction, w.baud, w.dir)
		}
	}
}

func TestBuildIntersectsPeerCapabilities(t *testing.T) {
	local := fullCaps()
	peer := Capabilities{
		MaxBaud:           57600, // below local's max_baud
		SupportedParities: []portio.Parity{portio.ParityNone},
		SupportedBits:     []int{8},
		SupportedFlow:     []portio.Flow{portio.FlowNone},
	}
	filters := Filters{
		Tests:    []string{"max-rate"},
		Bauds:    []uint32{9600, 57600, 115200},
		Parities: []portio.Parity{portio.ParityNone, portio.ParityEven},
		Bits:     []int{8},
		Flows:    []portio.Flow{portio.FlowNone},
		Dirs:     []Direction{DirTx},
	}

	plan := Build(filters, local, peer)
	for _, tc := range plan {
		if tc.PortConfig.Baud > peer.MaxBaud {
			t.Errorf("case baud %d exceeds peer max_baud %d", tc.PortConfig.Baud, peer.MaxBaud)
		}
		if tc.PortConfig.Parity != portio.ParityNone {
			t.Errorf("case parity %v should have been pruned (peer only supports none)", tc.PortConfig.Parity)
		}
	}
	if len(plan) != 2 { // 9600 and 57600, parity=none only
		t.Fatalf("len(plan) = %d, want 2", len(plan))
	}
}

func TestBuildFifoResidueRestrictedToControlConfigByDefault(t *testing.T) {
	filters := Filters{
		Tests:    []string{"fifo-residue"},
		Bauds:    []uint32{9600, 115200}, // 115200 matches ControlConfig's baud
		Parities: []portio.Parity{portio.ParityNone},
		Bits:     []int{8},
		Flows:    []portio.Flow{portio.FlowNone},
		Dirs:     []Direction{DirTx},
	}

	plan := Build(filters, fullCaps(), fullCaps())
	for _, tc := range plan {
		if tc.PortConfig != portio.ControlConfig {
			t.Errorf("fifo-residue case used %v, want the control config %v", tc.PortConfig, portio.ControlConfig)
		}
	}
	if len(plan) != 1 {
		t.Fatalf("len(plan) = %d, want 1 (only the control-config baud)", len(plan))
	}
}

func TestBuildFifoResidueExpandsWithFlag(t *testing.T) {
	filters := Filters{
		Tests:          []string{"fifo-residue"},
		Bauds:          []uint32{9600, 115200},
		Parities:       []portio.Parity{portio.ParityNone},
		Bits:           []int{8},
		Flows:          []portio.Flow{portio.FlowNone},
		Dirs:           []Direction{DirTx},
		FifoAllConfigs: true,
	}

	plan := Build(filters, fullCaps(), fullCaps())
	if len(plan) != 2 {
		t.Fatalf("len(plan) = %d, want 2 with --fifo-all-configs", len(plan))
	}
}

func TestBuildUnknownTestNameDropped(t *testing.T) {
	filters := Filters{
		Tests:    []string{"max-rate", "not-a-real-test"},
		Bauds:    []uint32{9600},
		Parities: []portio.Parity{portio.ParityNone},
		Bits:     []int{8},
		Flows:    []portio.Flow{portio.FlowNone},
		Dirs:     []Direction{DirTx},
	}
	plan := Build(filters, fullCaps(), fullCaps())
	for _, tc := range plan {
		if tc.Name != "max-rate" {
			t.Errorf("plan contains unregistered test %q", tc.Name)
		}
	}
}

func TestDirectionString(t *testing.T) {
	cases := map[Direction]string{DirTx: "tx", DirRx: "rx", DirBoth: "both"}
	for d, want := range cases {
		if d.String() != want {
			t.Errorf("%v.String() = %q, want %q", d, d.String(), want)
		}
	}
}
