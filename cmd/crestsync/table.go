package main

import (
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/schaermu/crestsync/internal/listing"
	"github.com/schaermu/crestsync/internal/remote"
)

// renderDelta prints one row per file. Size and time come from the local side,
// or from the device for files that only exist there.
func renderDelta(w io.Writer, delta listing.Delta, localFiles, remoteFiles listing.Listing) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "Action", "Size", "Modified"})
	table.SetAutoWrapText(false)

	for _, d := range delta {
		entry, ok := localFiles.Get(d.Name)
		if !ok {
			entry, _ = remoteFiles.Get(d.Name)
		}
		table.Append([]string{
			d.Name,
			d.Action.String(),
			humanize.Bytes(entry.Size),
			formatTime(entry.ModifiedAt),
		})
	}

	table.SetFooter([]string{
		strconv.Itoa(len(delta)) + " files",
		strconv.Itoa(delta.Count(listing.New)+delta.Count(listing.Changed)) + " to upload",
		strconv.Itoa(delta.Count(listing.Delete)) + " to delete",
		"",
	})
	table.Render()
}

// renderFailures prints the files a sync could not transfer.
func renderFailures(w io.Writer, failed []remote.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"File", "Action", "Error"})
	table.SetAutoWrapText(false)
	for _, r := range failed {
		table.Append([]string{r.Entry.Name, r.Entry.Action.String(), r.Err.Error()})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime) + " (" + humanize.Time(t) + ")"
}
