package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tiw/ontology-fk-sub000/pkg/engine"
	"github.com/tiw/ontology-fk-sub000/pkg/function"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
)

const demoSchema = `
object_types:
  - api_name: Order
    display_name: Order
    primary_key: order_id
    properties:
      - {name: order_id, type: string}
      - {name: merchant_id, type: string, required: true}
      - {name: amount, type: double}
      - {name: status, type: string}
    derived_properties:
      - {name: is_large, type: boolean, function: order_is_large}
  - api_name: Merchant
    display_name: Merchant
    primary_key: merchant_id
    properties:
      - {name: merchant_id, type: string}
      - {name: name, type: string}
      - {name: rating, type: double}
link_types:
  - api_name: placed_at
    source: Order
    target: Merchant
    cardinality: MANY_TO_MANY
    validations: [merchant_matches]
    scoring: merchant_rating
`

// demoFunctions back the demo schema.
func demoFunctions() []function.Definition {
	endpoints := []function.Arg{
		{Name: "order", ObjectType: "Order"},
		{Name: "merchant", ObjectType: "Merchant"},
	}
	return []function.Definition{
		{
			Name:        "merchant_matches",
			Description: "An order may only be linked to the merchant it names.",
			Args:        endpoints,
			Fn: func(_ function.Env, args function.Args) (any, error) {
				return args.Object("order").Properties["merchant_id"] == args.Object("merchant").Properties["merchant_id"], nil
			},
		},
		{
			Name:    "merchant_rating",
			Args:    endpoints,
			Returns: schema.TypeDouble,
			Fn: func(_ function.Env, args function.Args) (any, error) {
				return args.Object("merchant").Properties["rating"], nil
			},
		},
		{
			Name: "order_is_large",
			Args: []function.Arg{
				{Name: "order", ObjectType: "Order"},
				{Name: "threshold", Type: schema.TypeDouble, Default: 100.0},
			},
			Returns: schema.TypeBoolean,
			Fn: func(_ function.Env, args function.Args) (any, error) {
				amount, _ := args.Object("order").Properties["amount"].(float64)
				return amount >= args.Float("threshold"), nil
			},
		},
	}
}

func loadDemo(eng *engine.Engine) error {
	for _, def := range demoFunctions() {
		if err := eng.RegisterFunction(def); err != nil {
			return err
		}
	}
	if err := eng.LoadSchema([]byte(demoSchema)); err != nil {
		return err
	}

	merchants := []map[string]any{
		{"merchant_id": "m1", "name": "Acme", "rating": 4.5},
		{"merchant_id": "m2", "name": "Globex", "rating": 3.2},
	}
	for _, m := range merchants {
		if _, err := eng.AddObject("Merchant", m); err != nil {
			return err
		}
	}
	orders := []map[string]any{
		{"order_id": "o1", "merchant_id": "m1", "amount": 120.0, "status": "paid"},
		{"order_id": "o2", "merchant_id": "m2", "amount": 40.0, "status": "paid"},
		{"order_id": "o3", "merchant_id": "m1", "amount": 15.5, "status": "open"},
	}
	for _, o := range orders {
		if _, err := eng.AddObject("Order", o); err != nil {
			return err
		}
	}
	// o1 -> m2 contradicts o1.merchant_id and is dropped by merchant_matches
	for _, l := range [][2]string{{"o1", "m1"}, {"o1", "m2"}, {"o2", "m2"}, {"o3", "m1"}} {
		if _, err := eng.CreateLink("placed_at", l[0], l[1]); err != nil {
			return err
		}
	}
	_, err := eng.CreatePropertyIndex("Order", "status", index.KindHash, false)
	return err
}

func newDemoCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the Order -> Merchant walkthrough",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(c.engineOptions())
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := loadDemo(eng); err != nil {
				return fmt.Errorf("loading demo data: %w", err)
			}
			return runDemo(cmd.OutOrStdout(), eng, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print engine statistics as JSON")
	return cmd
}

func runDemo(w io.Writer, eng *engine.Engine, asJSON bool) error {
	paid := eng.ObjectsOfType("Order").Filter("status", "paid")
	merchants, err := paid.SearchAround("placed_at")
	if err != nil {
		return err
	}
	objs, err := merchants.All()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MERCHANT\tNAME\tSCORE")
	for _, m := range objs {
		score, _ := m.Score("placed_at")
		fmt.Fprintf(tw, "%s\t%v\t%.2f\n", m.Key, m.Properties["name"], score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	total, err := paid.Aggregate("amount", engine.Sum)
	if err != nil {
		return err
	}
	large, err := eng.ObjectsOfType("Order").Filter("is_large", true).Len()
	if err != nil {
		return err
	}
	plan, err := eng.Explain("Order", map[string]any{"status": "paid"})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\npaid total: %.2f\nlarge orders: %d\nplan: %s\n", total, large, plan)

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(eng.Stats())
	}
	return nil
}
