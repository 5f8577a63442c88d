package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/dunder_backtester/internal/models"
)

// CSVProvider reads daily bars from a local CSV file with the header
// date,open,high,low,close,volume,iv. Dates are YYYY-MM-DD; iv is a decimal
// (0.20 = 20%).
type CSVProvider struct {
	path string
}

// NewCSVProvider returns a provider backed by the given file.
func NewCSVProvider(path string) *CSVProvider {
	return &CSVProvider{path: path}
}

// FetchDailyBars implements Provider, filtering the file to [start, end]
// inclusive.
func (p *CSVProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	f, err := os.Open(p.path) // #nosec G304 -- path comes from user config
	if err != nil {
		return nil, fmt.Errorf("opening bar file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading bar header: %w", err)
	}
	idx, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	var bars []models.PriceBar
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading bar line %d: %w", line, err)
		}
		bar, err := parseBar(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("bar line %d: %w", line, err)
		}
		if bar.Date.Before(start) || bar.Date.After(end) {
			continue
		}
		bars = append(bars, bar)
	}

	if err := validateBars(bars); err != nil {
		return nil, fmt.Errorf("bar file %s: %w", p.path, err)
	}
	return bars, nil
}

type columnIndex struct {
	date, open, high, low, close, volume, iv int
}

func headerIndex(header []string) (columnIndex, error) {
	idx := columnIndex{date: -1, open: -1, high: -1, low: -1, close: -1, volume: -1, iv: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date":
			idx.date = i
		case "open":
			idx.open = i
		case "high":
			idx.high = i
		case "low":
			idx.low = i
		case "close":
			idx.close = i
		case "volume":
			idx.volume = i
		case "iv":
			idx.iv = i
		}
	}
	if idx.date < 0 || idx.close < 0 || idx.iv < 0 {
		return idx, fmt.Errorf("bar header must include date, close, and iv columns")
	}
	return idx, nil
}

func parseBar(rec []string, idx columnIndex) (models.PriceBar, error) {
	var bar models.PriceBar

	date, err := time.Parse("2006-01-02", strings.TrimSpace(rec[idx.date]))
	if err != nil {
		return bar, fmt.Errorf("bad date %q: %w", rec[idx.date], err)
	}
	bar.Date = date.UTC()

	read := func(col int) (float64, error) {
		if col < 0 || col >= len(rec) {
			return 0, nil
		}
		return strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
	}
	if bar.Open, err = read(idx.open); err != nil {
		return bar, fmt.Errorf("bad open: %w", err)
	}
	if bar.High, err = read(idx.high); err != nil {
		return bar, fmt.Errorf("bad high: %w", err)
	}
	if bar.Low, err = read(idx.low); err != nil {
		return bar, fmt.Errorf("bad low: %w", err)
	}
	if bar.Close, err = read(idx.close); err != nil {
		return bar, fmt.Errorf("bad close: %w", err)
	}
	if bar.IV, err = read(idx.iv); err != nil {
		return bar, fmt.Errorf("bad iv: %w", err)
	}
	if idx.volume >= 0 && idx.volume < len(rec) {
		v, err := strconv.ParseInt(strings.TrimSpace(rec[idx.volume]), 10, 64)
		if err != nil {
			return bar, fmt.Errorf("bad volume: %w", err)
		}
		bar.Volume = v
	}
	return bar, nil
}
