// Package power turns the machine off.
package power

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"rvcore/mmio"
	"rvcore/util"
)

// OffCode written to the power manager register powers the board off.
const OffCode = 0x5555

// Halter stops the machine. Off does not return on hardware.
type Halter interface {
	Off()
}

// Manager is the power manager device: one 16-bit register.
type Manager struct {
	r mmio.Region
}

func NewManager(r mmio.Region) *Manager {
	return &Manager{r: r}
}

func (m *Manager) Off() {
	m.r.Write16(0, OffCode)
}

// Fatal prints err on out, logs it and powers off. It is the handling for
// configuration errors found during boot.
func Fatal(out io.Writer, l *logrus.Logger, h Halter, err error) {
	if out != nil {
		fmt.Fprintf(out, "fatal: %v\n", err)
	}
	if l != nil {
		util.LogWithContextIfNeeded("Halting", err, l)
	}
	h.Off()
}
