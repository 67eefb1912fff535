package mailer

import (
	"bytes"
	"encoding/base64"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"price-alert-mailer/internal/event"
)

// trendChartURI renders the product's price history as an inline PNG data
// URI. Fewer than two points yield no chart.
func trendChartURI(history []event.PricePoint) (string, error) {
	if len(history) < 2 {
		return "", nil
	}

	x := make([]time.Time, len(history))
	y := make([]float64, len(history))
	for i, point := range history {
		x[i] = point.At
		y[i] = point.Price.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  600,
		Height: 200,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: y,
			},
		},
	}

	buf := &bytes.Buffer{}
	if err := graph.Render(chart.PNG, buf); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
