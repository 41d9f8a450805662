package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rvcore/config"
	"rvcore/test"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Machine.Console = "discard"
	c.Blk.Sectors = 64
	return &c
}

func TestRunAll(t *testing.T) {
	out := &bytes.Buffer{}
	reg := metrics.NewRegistry()
	require.NoError(t, run(context.Background(), testConfig(), "all", out, test.NewLogger(), reg))

	s := out.String()
	assert.Contains(t, s, "ecall: num 10 args [0 0 0 0 0 0 0]\n")
	assert.Contains(t, s, "ecall: num 16 args [1 2 3 4 5 6 0]\n")
	assert.Contains(t, s, "irq: 10 interrupts from source 63\n")
	assert.Contains(t, s, "blk: id \"rvcore-disk\", 64 sectors\n")
	assert.Contains(t, s, "blk: sector 0 round trip ok\n")
	// the first fault is fatal outside diagnostic mode
	assert.Contains(t, s, "mcause: 5\nmtval: 11110000\n")
	assert.NotContains(t, s, "trap: cause")

	assert.NotZero(t, metrics.GetOrRegisterCounter("blk.interrupt", reg).Count())
}

func TestRunDiagnosticTraps(t *testing.T) {
	c := testConfig()
	c.Trap.Diagnostic = true
	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), c, "trap", out, test.NewLogger(), metrics.NewRegistry()))

	assert.Equal(t, "trap: cause 5 (load access fault) tval 0x11110000\n"+
		"trap: cause 7 (store access fault) tval 0x11110000\n"+
		"trap: cause 4 (load address misaligned) tval 0x11110001\n"+
		"trap: cause 6 (store address misaligned) tval 0x11110001\n", out.String())
}

func TestRunFatalDump(t *testing.T) {
	c := testConfig()
	c.Trap.Dump = true
	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), c, "trap", out, test.NewLogger(), metrics.NewRegistry()))

	s := out.String()
	assert.Contains(t, s, "mcause: 5\nmtval: 11110000\ntrap: load access fault (cause=0x5 tval=0x11110000)\n")
	assert.Contains(t, s, "epc=0x")
	assert.Contains(t, s, "  a0=0x")
	assert.NotContains(t, s, "\x1b[", "text logging means no color")
}

func TestRunPolledAsync(t *testing.T) {
	c := testConfig()
	c.Blk.Polled = true
	c.Blk.Async = true
	out := &bytes.Buffer{}
	reg := metrics.NewRegistry()
	require.NoError(t, run(context.Background(), c, "blk", out, test.NewLogger(), reg))

	assert.Contains(t, out.String(), "blk: sector 0 round trip ok\n")
	assert.Zero(t, metrics.GetOrRegisterCounter("blk.interrupt", reg).Count())
}

func TestRunImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 16*512), 0o600))

	c := testConfig()
	c.Blk.Image = path
	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), c, "blk", out, test.NewLogger(), metrics.NewRegistry()))
	assert.Contains(t, out.String(), "16 sectors")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(255), b[255])
}

func TestRunRejectedFeaturesHalts(t *testing.T) {
	c := testConfig()
	c.Blk.RejectFeatures = true
	out := &bytes.Buffer{}

	err := run(context.Background(), c, "blk", out, test.NewLogger(), metrics.NewRegistry())
	assert.Error(t, err)
	assert.Contains(t, out.String(), "fatal: ")
}

func TestRunUnknownScenario(t *testing.T) {
	assert.Error(t, run(context.Background(), testConfig(), "warp", &bytes.Buffer{}, test.NewLogger(), metrics.NewRegistry()))
	assert.Equal(t, []string{"all", "blk", "ecall", "irq", "trap"}, scenarioNames())
}
