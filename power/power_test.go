package power

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/mmio"
	"rvcore/sim"
	"rvcore/test"
	"rvcore/util"
)

func TestManagerOff(t *testing.T) {
	dev := sim.NewPowerManager()
	bus := &mmio.Bus{}
	require.NoError(t, bus.Map("power", sim.PowerBase, sim.PowerSize, dev))
	w := bus.Window(sim.PowerBase)

	NewManager(w).Off()
	require.NoError(t, w.Err())
	assert.True(t, dev.Halted())
}

type recordHalter struct{ off int }

func (r *recordHalter) Off() { r.off++ }

func TestFatal(t *testing.T) {
	out := &bytes.Buffer{}
	h := &recordHalter{}
	err := util.NewContextualError("Failed to open virtio-blk", map[string]any{"source": 1}, errors.New("features rejected"))

	Fatal(out, test.NewLogger(), h, err)
	assert.Equal(t, "fatal: Failed to open virtio-blk (map[source:1]): features rejected\n", out.String())
	assert.Equal(t, 1, h.off)

	// no sink and no logger still powers off
	Fatal(nil, nil, h, err)
	assert.Equal(t, 2, h.off)
}
