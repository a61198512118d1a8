package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/moby/mcastkit/cmd/mcastd/scenario"
)

func printState(out io.Writer, r *scenario.Runner, elapsed time.Duration) {
	index := r.Manager.Index()
	registry := r.Manager.Registry()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer func() {
		// Ignore flushing errors - there's nothing we can do.
		_ = w.Flush()
	}()

	fmt.Fprintln(w, "GROUP\tINTERFACE\tATTACHMENT POINT\tISLAND")
	for _, m := range index.Memberships() {
		island := "-"
		if id, ok := registry.IslandOf(m.AttachmentPoint.Switch); ok {
			island = id.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Group, m.Interface, m.AttachmentPoint, island)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "ISLAND\tSWITCHES\tGROUP\tMEMBERS\tPORTS")
	for _, island := range registry.Islands() {
		for _, g := range registry.GroupsIn(island.ID) {
			v := registry.ViewOf(island.ID, g)
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n",
				island.ID,
				len(island.Switches),
				g,
				len(v.Interfaces()),
				len(v.AttachmentPoints()),
			)
		}
	}

	stats := r.Stats()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s steps, %s frames, %s added, %s removed in %s\n",
		humanize.Comma(int64(stats.Steps)),
		humanize.Comma(int64(stats.Frames)),
		humanize.Comma(int64(stats.Added)),
		humanize.Comma(int64(stats.Removed)),
		units.HumanDuration(elapsed),
	)
}
