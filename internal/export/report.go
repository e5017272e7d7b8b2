package export

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// MatchReportName is the file name of the per-frame match report.
const MatchReportName = "match_report.html"

// ReportThresholds are drawn as flat reference series on the match chart.
type ReportThresholds struct {
	MinGoodMatches   int
	ConfidentMatches int
}

// WriteMatchReport renders an HTML page with the good match count of every
// frame and a bar chart of frame outcomes.
func WriteMatchReport(w io.Writer, frames []FrameRecord, th ReportThresholds) error {
	sorted := append([]FrameRecord(nil), frames...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Frame < sorted[j].Frame })

	x := make([]int, len(sorted))
	good := make([]opts.LineData, len(sorted))
	kps := make([]opts.LineData, len(sorted))
	minLine := make([]opts.LineData, len(sorted))
	confLine := make([]opts.LineData, len(sorted))
	counts := map[string]int{}
	for i, f := range sorted {
		x[i] = f.Frame
		good[i] = opts.LineData{Value: f.GoodMatches}
		kps[i] = opts.LineData{Value: f.Keypoints}
		minLine[i] = opts.LineData{Value: th.MinGoodMatches}
		confLine[i] = opts.LineData{Value: th.ConfidentMatches}
		counts[f.Status]++
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Gaze mapping matches", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Good matches per frame", Subtitle: fmt.Sprintf("frames=%d", len(sorted))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "matches"}),
	)
	line.SetXAxis(x).
		AddSeries("good matches", good).
		AddSeries("frame keypoints", kps).
		AddSeries(fmt.Sprintf("min good (%d)", th.MinGoodMatches), minLine).
		AddSeries(fmt.Sprintf("confident (%d)", th.ConfidentMatches), confLine)

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	bars := make([]opts.BarData, len(statuses))
	for i, s := range statuses {
		bars[i] = opts.BarData{Value: counts[s]}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Frame outcomes"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(statuses).
		AddSeries("frames", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(line, bar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render match report: %w", err)
	}
	return nil
}
