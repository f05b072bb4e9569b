package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/httputil"
	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"
)

// echartsAssetsPrefix serves the echarts JS from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// attachDebugRoutes mounts the frame debug pages under /debug/.
func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("frames", "Frame receive timing chart", ws.handleFramesChart)
	debug.HandleFunc("frames.png", "Frame receive timing plot (PNG)", ws.handleFramesPlot)
	debug.HandleSilentFunc("tail", ws.handleTail)
}

// toMillis converts durations for display.
func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// handleFramesChart renders receive durations and inter-frame intervals of
// the frame history as an echarts line chart.
func (ws *WebServer) handleFramesChart(w http.ResponseWriter, r *http.Request) {
	frames := ws.history.Snapshot()
	intervals := Intervals(frames)

	x := make([]string, len(frames))
	receive := make([]opts.LineData, len(frames))
	gaps := make([]opts.LineData, len(frames))
	late := 0
	for i, f := range frames {
		x[i] = strconv.FormatUint(f.Sequence, 10)
		receive[i] = opts.LineData{Value: toMillis(f.ReceiveDuration)}
		if i == 0 {
			gaps[i] = opts.LineData{Value: "-"}
		} else {
			gaps[i] = opts.LineData{Value: toMillis(intervals[i-1])}
		}
		if f.Late {
			late++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kinect Frames", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Frame Timing", Subtitle: fmt.Sprintf("frames=%d late=%d bytes/frame=%d", len(frames), late, ws.source.BytesPerFrame())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 35}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("receive", receive).
		AddSeries("interval", gaps)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// PlotFrames draws receive durations and inter-frame intervals against the
// frame sequence.
func PlotFrames(frames []network.FrameInfo) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Frame timing"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "ms"

	receivePts := make(plotter.XYs, 0, len(frames))
	intervalPts := make(plotter.XYs, 0, len(frames))
	for i, f := range frames {
		receivePts = append(receivePts, plotter.XY{X: float64(f.Sequence), Y: toMillis(f.ReceiveDuration)})
		if i > 0 {
			intervalPts = append(intervalPts, plotter.XY{X: float64(f.Sequence), Y: toMillis(f.CompletedAt.Sub(frames[i-1].CompletedAt))})
		}
	}

	if len(receivePts) > 0 {
		receiveLine, err := plotter.NewLine(receivePts)
		if err != nil {
			return nil, err
		}
		receiveLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		receiveLine.Width = vg.Points(1)
		p.Add(receiveLine)
		p.Legend.Add("receive", receiveLine)
	}
	if len(intervalPts) > 0 {
		intervalLine, err := plotter.NewLine(intervalPts)
		if err != nil {
			return nil, err
		}
		intervalLine.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}
		intervalLine.Width = vg.Points(1)
		p.Add(intervalLine)
		p.Legend.Add("interval", intervalLine)
	}
	p.Add(plotter.NewGrid())

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// handleFramesPlot renders the frame history as a PNG.
func (ws *WebServer) handleFramesPlot(w http.ResponseWriter, r *http.Request) {
	p, err := PlotFrames(ws.history.Snapshot())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}
