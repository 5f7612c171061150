package search

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
)

// Display renders listener callbacks as colored one-line progress
// output, for interactive runs. Attach it to a listener and hand the
// listener to the search.
type Display struct {
	out *termenv.Output
}

func NewDisplay() *Display {
	return &Display{out: termenv.NewOutput(os.Stdout)}
}

// Attach wires the display into @listener, reporting every depth
// increase, every @interval visits, and the final stop.
func (d *Display) Attach(listener *StatsListener, interval int) {
	listener.
		OnDepth(d.onDepth).
		OnCycle(d.onCycle).
		SetCycleInterval(interval).
		OnStop(d.onStop)
}

func (d *Display) onDepth(stats ListenerStats) {
	tag := d.out.String(fmt.Sprintf("depth %2d", stats.Maxdepth)).
		Foreground(d.out.Color("6")).Bold()
	fmt.Fprintf(d.out, "%s %s\n", tag, d.line(stats))
}

func (d *Display) onCycle(stats ListenerStats) {
	tag := d.out.String(fmt.Sprintf("visit %8d", stats.Visits)).
		Foreground(d.out.Color("4"))
	fmt.Fprintf(d.out, "%s %s\n", tag, d.line(stats))
}

func (d *Display) onStop(stats ListenerStats) {
	tag := d.out.String("stopped").Foreground(d.out.Color("3")).Bold()
	reason := d.out.String(stats.StopReason.String()).Foreground(d.out.Color("1"))
	fmt.Fprintf(d.out, "%s (%s) %s\n", tag, reason, d.line(stats))
}

func (d *Display) line(stats ListenerStats) string {
	eval := d.out.String(fmt.Sprintf("%+.3f", stats.Eval))
	if stats.Eval >= 0 {
		eval = eval.Foreground(d.out.Color("2"))
	} else {
		eval = eval.Foreground(d.out.Color("1"))
	}
	return fmt.Sprintf("best %v eval %s visits %d vps %d payloads %d time %dms",
		stats.BestMove, eval, stats.Visits, stats.Vps, stats.Payloads, stats.TimeMs)
}
