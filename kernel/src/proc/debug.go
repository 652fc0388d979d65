package proc

import (
	"github.com/davecgh/go-spew/spew"
)

// spewDump renders a process's full internal state with go-spew,
// mirroring procdump()'s role as a last-resort diagnostic when a ps
// summary line isn't enough to understand a stuck test.
func spewDump(p *Proc_t) string {
	cfg := spew.ConfigState{Indent: "  ", DisableMethods: true}
	return cfg.Sdump(p)
}
