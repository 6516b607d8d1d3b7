// Command reconcile runs one offline correlation pass over saved source
// batches and reports whether the sources agree. It is useful for replaying
// a captured cycle or checking fixture data without reaching any upstream.
//
// Each input file holds a JSON array of batches as produced by the service:
//
//	go run ./cmd/reconcile \
//	  -sources config/sources.yaml \
//	  -required-agreement 0.6 \
//	  data/usgs.json data/emsc.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/couchcryptid/quake-consensus-service/internal/config"
	"github.com/couchcryptid/quake-consensus-service/internal/consensus"
	"github.com/couchcryptid/quake-consensus-service/internal/correlation"
	"github.com/couchcryptid/quake-consensus-service/internal/domain"
)

// phase tracks pass/fail for a reconciliation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	sourcesFile       string
	requiredAgreement float64
	minConfidence     float64
	files             []string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.sourcesFile, "sources", "", "YAML source descriptors (defaults to the built-in set)")
	fs.Float64Var(&opts.requiredAgreement, "required-agreement", correlation.DefaultParams().RequiredAgreement, "pairwise agreement below which a discrepancy is reported")
	fs.Float64Var(&opts.minConfidence, "min-confidence", 0, "fail consensus events below this confidence")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 {
		fs.Usage()
		return opts, fmt.Errorf("no batch files given")
	}
	if opts.requiredAgreement < 0 || opts.requiredAgreement > 1 {
		return opts, fmt.Errorf("required-agreement must be within [0, 1], got %v", opts.requiredAgreement)
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "FATAL: %v\n", err)
		return 2
	}

	sources := config.DefaultSources()
	if opts.sourcesFile != "" {
		if sources, err = config.LoadSources(opts.sourcesFile); err != nil {
			fmt.Fprintf(stderr, "FATAL: %v\n", err)
			return 1
		}
	}

	var batches []domain.Batch
	for _, path := range opts.files {
		b, err := loadJSON[domain.Batch](path)
		if err != nil {
			fmt.Fprintf(stderr, "FATAL: load %s: %v\n", path, err)
			return 1
		}
		batches = append(batches, b...)
	}

	fmt.Fprintln(stdout, "=== Quake Source Reconciliation ===")
	fmt.Fprintln(stdout)

	integrity, sets := checkBatches(sources, batches)

	params := correlation.DefaultParams()
	params.RequiredAgreement = opts.requiredAgreement
	report := correlation.New(params).Correlate(sets)
	agreement := checkAgreement(report)

	reliability := make(map[string]float64, len(sources))
	var all []domain.Event
	for _, s := range sets {
		reliability[s.Source.ID] = s.Source.BaseReliability
		all = append(all, s.Events...)
	}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	merged := consensus.NewBuilder(discard).Build(context.Background(), consensus.Input{
		Events:          all,
		Matches:         report.Matches,
		Reliability:     reliability,
		SourcesWithData: report.SourcesWithData,
	})
	confidence := checkConsensus(merged, opts.minConfidence)

	phases := []*phase{integrity, agreement, confidence}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(stdout, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Sources with data: %d, events: %d, matches: %d, consensus events: %d\n",
		report.SourcesWithData, len(all), len(report.Matches), len(merged))
	fmt.Fprintf(stdout, "Overall agreement: %.3f (required %.2f)\n", report.Overall, opts.requiredAgreement)
	for _, p := range report.Pairs {
		fmt.Fprintf(stdout, "  %-12s ~ %-12s %.3f over %d matches\n", p.SourceA, p.SourceB, p.Agreement, p.Matches)
	}

	if len(merged) > 0 {
		fmt.Fprintln(stdout)
		for _, ce := range merged {
			mag := "-"
			if ce.Magnitude != nil {
				mag = fmt.Sprintf("%.1f", *ce.Magnitude)
			}
			fmt.Fprintf(stdout, "  %s  M%-4s %7.2f %8.2f  conf %.3f  %s\n",
				ce.Time.UTC().Format("2006-01-02T15:04:05Z"), mag,
				ce.Coordinates.Lat, ce.Coordinates.Lon, ce.Confidence,
				strings.Join(ce.Contributors, ","))
		}
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(stdout, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(stdout, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(stdout, "\nSources agree.")
		return 0
	}
	fmt.Fprintln(stdout, "\nReconciliation FAILED.")
	return 1
}

func loadJSON[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── Phases ──

// checkBatches drops events that could not have come from a healthy fetch
// and groups the rest by source, in source declaration order.
func checkBatches(sources []domain.Source, batches []domain.Batch) (*phase, []correlation.SourceEvents) {
	p := &phase{name: "Batch integrity"}

	known := make(map[string]domain.Source, len(sources))
	for _, s := range sources {
		known[s.ID] = s
	}

	bySource := make(map[string][]domain.Event)
	for i, b := range batches {
		if _, ok := known[b.SourceID]; !ok {
			p.errorf("batch %d: unknown source %q", i, b.SourceID)
			continue
		}
		for j, ev := range b.Events {
			if ev.SourceID == "" {
				ev.SourceID = b.SourceID
			}
			if b.Degraded || b.Stale {
				ev.Degraded = true
			}
			switch {
			case ev.SourceID != b.SourceID:
				p.errorf("%s event %d: source_id %q does not match batch", b.SourceID, j, ev.SourceID)
				continue
			case ev.Time.IsZero():
				p.errorf("%s event %d (%s): missing time", b.SourceID, j, ev.ID)
				continue
			case ev.Coordinates.Lat < -90 || ev.Coordinates.Lat > 90 ||
				ev.Coordinates.Lon < -180 || ev.Coordinates.Lon > 180:
				p.errorf("%s event %d (%s): coordinates out of range (%.3f, %.3f)",
					b.SourceID, j, ev.ID, ev.Coordinates.Lat, ev.Coordinates.Lon)
				continue
			}
			bySource[b.SourceID] = append(bySource[b.SourceID], ev)
		}
	}

	var sets []correlation.SourceEvents
	for _, s := range sources {
		if evs, ok := bySource[s.ID]; ok {
			sets = append(sets, correlation.SourceEvents{Source: s, Events: evs})
		}
	}
	return p, sets
}

func checkAgreement(report correlation.Report) *phase {
	p := &phase{name: "Cross-source agreement"}
	ds := append([]domain.Discrepancy(nil), report.Discrepancies...)
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Agreement < ds[j].Agreement })
	for _, d := range ds {
		p.errorf("%s vs %s: agreement %.3f below %.2f (%s)", d.SourceA, d.SourceB, d.Agreement, d.Threshold, d.Cause)
	}
	return p
}

func checkConsensus(merged []domain.ConsensusEvent, minConfidence float64) *phase {
	p := &phase{name: "Consensus confidence"}
	for _, ce := range merged {
		if ce.Confidence <= 0 || ce.Confidence > 1 {
			p.errorf("%s: confidence %.3f outside (0, 1]", ce.ID, ce.Confidence)
			continue
		}
		if ce.Confidence < minConfidence {
			p.errorf("%s: confidence %.3f below %.2f (%d sources)", ce.ID, ce.Confidence, minConfidence, ce.SourceCount)
		}
	}
	return p
}
