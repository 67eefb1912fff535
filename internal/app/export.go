package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-alert-mailer/internal/storage"
)

// Export renders delivery statistics as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	days := opts.Days
	if days <= 0 {
		days = 30
	}
	from := to.AddDate(0, 0, -days)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	counts, err := store.CountJobsByDay(ctx, from, to)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		a.Logger.Info().Msg("no jobs found for export window")
		return nil
	}

	a.Logger.Info().Int("rows", len(counts)).Msg("exporting delivery statistics")

	if opts.CSVPath != "" {
		if err := writeCountsCSV(opts.CSVPath, counts); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := renderCountsPNG(opts.PNGPath, counts); err != nil {
			return err
		}
	}
	return nil
}

func writeCountsCSV(path string, counts []storage.DailyJobCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"day", "status", "count"}); err != nil {
		return err
	}
	for _, c := range counts {
		record := []string{
			c.Day.UTC().Format("2006-01-02"),
			c.Status,
			strconv.FormatInt(c.Count, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func renderCountsPNG(path string, counts []storage.DailyJobCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byStatus := make(map[string]map[time.Time]int64)
	dayset := make(map[time.Time]struct{})
	for _, c := range counts {
		if byStatus[c.Status] == nil {
			byStatus[c.Status] = make(map[time.Time]int64)
		}
		byStatus[c.Status][c.Day] = c.Count
		dayset[c.Day] = struct{}{}
	}

	days := make([]time.Time, 0, len(dayset))
	for day := range dayset {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	statuses := make([]string, 0, len(byStatus))
	for status := range byStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	series := make([]chart.Series, 0, len(statuses))
	for _, status := range statuses {
		y := make([]float64, len(days))
		for i, day := range days {
			y[i] = float64(byStatus[status][day])
		}
		series = append(series, chart.TimeSeries{
			Name:    status,
			XValues: days,
			YValues: y,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Jobs per day",
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
