package main

import (
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"control-monitor/internal/collector"
)

// source yields the value of a control at a simulation step.
type source interface {
	Value(p collector.Point, step int) (float64, bool)
}

// wave drives numbers along a slow sine and flips bits every few steps.
// Each control gets its own phase so they do not move in lockstep.
type wave struct{}

func (wave) Value(p collector.Point, step int) (float64, bool) {
	phase := float64(p.Address) / 7
	if p.IsBit() || strings.EqualFold(p.DataType, "bool") {
		return float64((step/5 + int(p.Address)) % 2), true
	}
	v := 50 + 40*math.Sin(float64(step)/10+phase)
	if strings.HasPrefix(strings.ToLower(p.DataType), "float") {
		return math.Round(v*10) / 10, true
	}
	return math.Round(v), true
}

// csvRows cycles through the rows of a CSV file keyed by control name.
type csvRows []map[string]float64

func (r csvRows) Value(p collector.Point, step int) (float64, bool) {
	v, ok := r[step%len(r)][p.Control]
	return v, ok
}

func loadCSV(path string) (csvRows, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(records) < 2 {
		return nil, errors.NotValidf("csv without header and data rows")
	}

	header := records[0]
	rows := make(csvRows, 0, len(records)-1)
	for line, record := range records[1:] {
		row := make(map[string]float64, len(header))
		for i, key := range header {
			text := strings.TrimSpace(record[i])
			if text == "" {
				continue
			}
			val, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, errors.NotValidf("line %d column %s value %q", line+2, key, text)
			}
			row[strings.TrimSpace(key)] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}
