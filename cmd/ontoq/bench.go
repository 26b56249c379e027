package main

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tiw/ontology-fk-sub000/pkg/config"
	"github.com/tiw/ontology-fk-sub000/pkg/engine"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/metrics"
)

type benchOptions struct {
	orders    int
	merchants int
	queries   int
	indexed   bool
	metrics   bool
	seed      int64
}

func newBenchCmd(c *cli) *cobra.Command {
	var o benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load a synthetic order graph and time filters and traversals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.metrics {
				c.cfg.Metrics.Enabled = true
			}
			opts := c.engineOptions()
			eng, err := openEngine(opts)
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := runBench(cmd.OutOrStdout(), eng, o); err != nil {
				return err
			}
			if p, ok := opts.Recorder.(*metrics.Prometheus); ok && o.metrics {
				return writeMetrics(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&o.orders, "orders", 10000, "Number of orders")
	cmd.Flags().IntVar(&o.merchants, "merchants", 100, "Number of merchants")
	cmd.Flags().IntVar(&o.queries, "queries", 200, "Filter queries per phase")
	cmd.Flags().BoolVar(&o.indexed, "index", true, "Create the suggested indexes between phases")
	cmd.Flags().BoolVar(&o.metrics, "metrics", false, "Print Prometheus metrics after the run")
	cmd.Flags().Int64Var(&o.seed, "seed", 1, "Random seed for the generated graph")
	return cmd
}

func runBench(w io.Writer, eng *engine.Engine, o benchOptions) error {
	for _, def := range demoFunctions() {
		if err := eng.RegisterFunction(def); err != nil {
			return err
		}
	}
	if err := eng.LoadSchema([]byte(demoSchema)); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(o.seed))
	statuses := []string{"open", "paid", "shipped", "refunded"}

	start := time.Now()
	for i := 0; i < o.merchants; i++ {
		_, err := eng.AddObject("Merchant", map[string]any{
			"merchant_id": fmt.Sprintf("m%d", i),
			"name":        fmt.Sprintf("merchant-%d", i),
			"rating":      1 + rng.Float64()*4,
		})
		if err != nil {
			return err
		}
	}
	for i := 0; i < o.orders; i++ {
		id := fmt.Sprintf("o%d", i)
		merchant := fmt.Sprintf("m%d", rng.Intn(o.merchants))
		_, err := eng.AddObject("Order", map[string]any{
			"order_id":    id,
			"merchant_id": merchant,
			"amount":      rng.Float64() * 500,
			"status":      statuses[rng.Intn(len(statuses))],
		})
		if err != nil {
			return err
		}
		if _, err := eng.CreateLink("placed_at", id, merchant); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "loaded %d orders, %d merchants in %s\n", o.orders, o.merchants, time.Since(start).Round(time.Millisecond))

	// every phase replays the same queries; only the cached phase keeps the
	// results of the phase before it
	phase := func(name string, keepCache bool) error {
		if !keepCache {
			eng.ClearCache()
		}
		rng := rand.New(rand.NewSource(o.seed + 1))
		start := time.Now()
		for i := 0; i < o.queries; i++ {
			merchant := fmt.Sprintf("m%d", rng.Intn(o.merchants))
			set := eng.ObjectsOfType("Order").
				Filter("merchant_id", merchant).
				Filter("status", statuses[rng.Intn(len(statuses))])
			if _, err := set.Len(); err != nil {
				return err
			}
		}
		took := time.Since(start)
		fmt.Fprintf(w, "%-8s %d filters in %s (%s/query)\n", name, o.queries, took.Round(time.Microsecond), (took / time.Duration(max(o.queries, 1))).Round(time.Microsecond))
		return nil
	}

	if err := phase("scan", false); err != nil {
		return err
	}
	if o.indexed {
		suggestions := eng.SuggestIndexes()
		if len(suggestions) == 0 {
			// the scan phase may run below the suggestion threshold
			suggestions = []index.Suggestion{{Definition: index.Definition{
				ObjectType: "Order", Properties: []string{"merchant_id", "status"}, Kind: index.KindComposite,
			}}}
		}
		for _, s := range suggestions {
			def, err := eng.CreateIndex(s.Definition)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "created index %s\n", def.Name)
		}
		if err := phase("indexed", false); err != nil {
			return err
		}
	}
	if err := phase("cached", true); err != nil {
		return err
	}

	start = time.Now()
	merchants, err := eng.ObjectsOfType("Order").Filter("status", "paid").SearchAround("placed_at")
	if err != nil {
		return err
	}
	n, err := merchants.Len()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "search_around reached %d merchants in %s\n", n, time.Since(start).Round(time.Microsecond))

	if cs, ok := eng.CacheStats(); ok {
		fmt.Fprintf(w, "cache: hits=%d misses=%d hit_rate=%.2f\n", cs.Hits, cs.Misses, cs.HitRate)
		for _, l := range cs.Levels {
			fmt.Fprintf(w, "  %-3s %d/%d entries, %s\n", l.Name, l.Size, l.MaxSize, config.FormatMemorySize(l.Bytes))
		}
	}
	for tier, count := range eng.Stats().Tiers {
		fmt.Fprintf(w, "tier %-5s %d objects\n", tier, count)
	}
	return nil
}

func writeMetrics(w io.Writer, p *metrics.Prometheus) error {
	families, err := p.Registry().Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
