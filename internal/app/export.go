package app

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	chart "github.com/wcharczuk/go-chart/v2"

	"engwewatch/internal/monitor"
)

const day = 24 * time.Hour

// Export renders history as CSV and/or a PNG of daily alert counts.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxDays = a.Config.ResolveMaxPoints(opts.MaxDays)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxDays) * day)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	all, err := store.RecentHistory(ctx, 0)
	if err != nil {
		return err
	}
	entries := entriesBetween(all, from, to)
	if len(entries) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no history found for export window")
		return nil
	}
	a.Logger.Info().Int("total", len(all)).Int("exported", len(entries)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, entries); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		series := dailyAlertSeries(entries, from, to)
		series = downsampleSeries(series, opts.MaxDays)
		if err := writeAlertsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

// entriesBetween returns entries in [from, to) in chronological order.
func entriesBetween(newestFirst []monitor.HistoryEntry, from, to time.Time) []monitor.HistoryEntry {
	out := make([]monitor.HistoryEntry, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		e := newestFirst[i]
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// alertSeries holds one count per day per alert category.
type alertSeries struct {
	Days   []time.Time
	Counts map[monitor.Category][]float64
}

func dailyAlertSeries(entries []monitor.HistoryEntry, from, to time.Time) alertSeries {
	start := from.Truncate(day)
	n := int(to.Sub(start)/day) + 1

	s := alertSeries{
		Days:   make([]time.Time, n),
		Counts: make(map[monitor.Category][]float64, len(monitor.Categories)),
	}
	for i := range s.Days {
		s.Days[i] = start.Add(time.Duration(i) * day)
	}
	for _, c := range monitor.Categories {
		s.Counts[c] = make([]float64, n)
	}

	for _, e := range entries {
		c, err := monitor.ParseCategory(string(e.Category))
		if err != nil {
			continue
		}
		idx := int(e.Timestamp.Sub(start) / day)
		if idx < 0 || idx >= n {
			continue
		}
		s.Counts[c][idx]++
	}
	return s
}

// downsampleSeries merges adjacent days so at most max buckets remain.
func downsampleSeries(s alertSeries, max int) alertSeries {
	if max <= 0 || len(s.Days) <= max {
		return s
	}

	width := int(math.Ceil(float64(len(s.Days)) / float64(max)))
	out := alertSeries{Counts: make(map[monitor.Category][]float64, len(s.Counts))}
	for i := 0; i < len(s.Days); i += width {
		out.Days = append(out.Days, s.Days[i])
	}
	for c, counts := range s.Counts {
		merged := make([]float64, len(out.Days))
		for i, v := range counts {
			merged[i/width] += v
		}
		out.Counts[c] = merged
	}
	return out
}

func writeHistoryCSV(path string, entries []monitor.HistoryEntry) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"timestamp", "category", "product_key", "message", "scan_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		record := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Category),
			e.Key,
			e.Message,
			e.ScanID,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAlertsPNG(path string, s alertSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if len(s.Days) < 2 {
		return errors.New("export window needs at least two days to plot")
	}

	series := make([]chart.Series, 0, len(monitor.Categories))
	for _, c := range monitor.Categories {
		series = append(series, chart.TimeSeries{
			Name:    c.String(),
			XValues: s.Days,
			YValues: s.Counts[c],
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Alerts per day",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
