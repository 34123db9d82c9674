package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/meshlink/meshlink-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	CallsByOutcome    map[log.Outcome]int
	Links             map[string]*LinkStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// LinkStats holds statistics for one radio link.
type LinkStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	PDUBytes  int
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := collectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func collectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		CallsByOutcome:    make(map[log.Outcome]int),
		Links:             make(map[string]*LinkStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		if event.LinkAddress != "" {
			link, ok := stats.Links[event.LinkAddress]
			if !ok {
				link = &LinkStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
				stats.Links[event.LinkAddress] = link
			}
			link.Events++
			if event.Timestamp.After(link.LastSeen) {
				link.LastSeen = event.Timestamp
			}
			if event.PDU != nil {
				link.PDUBytes += event.PDU.Size
			}
		}

		if event.Correlation != nil {
			stats.CallsByOutcome[event.Correlation.Outcome]++
		}
		if event.Error != nil {
			stats.Errors++
		}
	}
	return stats, nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Mesh Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerBearer, log.LayerNetwork, log.LayerAccess, log.LayerProvisioning, log.LayerEngine} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryCorrelation, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.CallsByOutcome) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Calls by Outcome:")
		for _, o := range []log.Outcome{log.OutcomeRegistered, log.OutcomeResolved, log.OutcomeTimeout, log.OutcomeRejected} {
			if count := stats.CallsByOutcome[o]; count > 0 {
				fmt.Fprintf(w, "  %-14s %d\n", o.String()+":", count)
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Links: %d\n", len(stats.Links))
	if len(stats.Links) > 0 {
		addrs := make([]string, 0, len(stats.Links))
		for addr := range stats.Links {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool {
			return stats.Links[addrs[i]].FirstSeen.Before(stats.Links[addrs[j]].FirstSeen)
		})

		fmt.Fprintln(w)
		for _, addr := range addrs {
			l := stats.Links[addr]
			duration := l.LastSeen.Sub(l.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, %d PDU bytes, duration %s\n", addr, l.Events, l.PDUBytes, duration)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
