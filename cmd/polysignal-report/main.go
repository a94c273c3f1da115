package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rewired-gh/polysignal/internal/config"
	"github.com/rewired-gh/polysignal/internal/metrics"
	"github.com/rewired-gh/polysignal/internal/models"
	"github.com/rewired-gh/polysignal/internal/storage"
)

var (
	configPath = flag.String("config", "", "Configuration file to read storage.db_path from")
	dbPath     = flag.String("db", "", "Database path (overrides the config)")
	last       = flag.Int("last", 0, "Only summarize the most recent N cycles (0 for all)")
	asJSON     = flag.Bool("json", false, "Print the report as JSON")
)

func main() {
	flag.Parse()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		path = cfg.Storage.DBPath
	}

	store, err := storage.Open(path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	var cycles []storage.StoredCycle
	if *last > 0 {
		cycles, err = store.RecentCycles(ctx, *last)
	} else {
		cycles, err = store.AllCycles(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to read cycles: %v", err)
	}

	records := make([]models.CycleRecord, len(cycles))
	for i, c := range cycles {
		records[i] = c.Record
	}
	report := metrics.Summarize(records)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
		return
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("POLYSIGNAL CYCLE REPORT - %s\n", path)
	fmt.Println(strings.Repeat("=", 80))

	if report.Summary.TotalCycles == 0 {
		fmt.Println("\nNo cycles recorded yet.")
		return
	}
	printReport(report)
}

func printReport(r metrics.Report) {
	section("SUMMARY")
	fmt.Printf("Total cycles:        %d\n", r.Summary.TotalCycles)
	fmt.Printf("First cycle:         %s\n", formatTime(r.Summary.Start))
	fmt.Printf("Last cycle end:      %s\n", formatTime(r.Summary.End))
	fmt.Printf("Total runtime:       %.2f hours\n", r.Summary.TotalHours)

	section("PERFORMANCE")
	p := r.Performance
	fmt.Printf("Avg cycle duration:  %.2fs\n", p.AvgDuration)
	fmt.Printf("Min / max duration:  %.2fs / %.2fs\n", p.MinDuration, p.MaxDuration)
	fmt.Printf("Std deviation:       %.2fs\n", p.StdDuration)
	fmt.Printf("Avg reasoning time:  %.2fs\n", p.AvgReasoningTime)

	section("OPPORTUNITIES")
	o := r.Opportunities
	fmt.Printf("Impacts analyzed:    %d (%d significant, %d by fallback)\n",
		o.ImpactsAnalyzed, o.ImpactsSignificant, o.FallbackAssessed)
	fmt.Printf("Total detected:      %d (%d high confidence)\n", o.Total, o.HighConfidence)
	fmt.Printf("Avg per cycle:       %.2f (max %d)\n", o.AvgPerCycle, o.MaxPerCycle)
	fmt.Printf("Cycles with any:     %d (%.1f%%)\n", o.CyclesWithAny,
		percent(o.CyclesWithAny, r.Summary.TotalCycles))

	section("ALERTS")
	fmt.Printf("Total generated:     %d (avg %.2f per cycle)\n", r.Alerts.Total, r.Alerts.AvgPerCycle)
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityWarning, models.SeverityInfo} {
		n := r.Alerts.BySeverity[sev]
		fmt.Printf("  %-10s %6d  %s\n", sev, n, bar(n, r.Alerts.Total))
	}

	section("SUCCESS RATES")
	fmt.Printf("Opportunities/news:  %.4f\n", r.SuccessRates.OpportunitiesPerNews)
	fmt.Printf("Alerts/impact:       %.4f\n", r.SuccessRates.AlertsPerImpact)

	section("API USAGE")
	if len(r.APIUsage) == 0 {
		fmt.Println("No API calls recorded")
	}
	for _, name := range metrics.SortedKeys(r.APIUsage) {
		fmt.Printf("  %-18s %8d\n", name, r.APIUsage[name])
	}

	section("ERRORS")
	fmt.Printf("Total errors:        %d\n", r.Errors.Total)
	fmt.Printf("Cycles with errors:  %d (%.1f%%)\n", r.Errors.CyclesWithErrors,
		percent(r.Errors.CyclesWithErrors, r.Summary.TotalCycles))
	fmt.Printf("Errors per cycle:    %.2f\n", r.Errors.PerCycle)
	fmt.Println(strings.Repeat("=", 80))
}

func section(title string) {
	fmt.Println()
	fmt.Println(title)
	fmt.Println(strings.Repeat("-", 80))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

func bar(n, total int) string {
	if total == 0 {
		return ""
	}
	return strings.Repeat("#", n*40/total)
}
