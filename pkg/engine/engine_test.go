package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiw/ontology-fk-sub000/pkg/auth"
	"github.com/tiw/ontology-fk-sub000/pkg/cache"
	"github.com/tiw/ontology-fk-sub000/pkg/config"
	"github.com/tiw/ontology-fk-sub000/pkg/function"
	"github.com/tiw/ontology-fk-sub000/pkg/index"
	"github.com/tiw/ontology-fk-sub000/pkg/metrics"
	"github.com/tiw/ontology-fk-sub000/pkg/schema"
	"github.com/tiw/ontology-fk-sub000/pkg/storage"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func orderType() schema.ObjectType {
	return schema.ObjectType{
		APIName:    "Order",
		PrimaryKey: "order_id",
		Properties: []schema.Property{
			{Name: "order_id", Type: schema.TypeString},
			{Name: "merchant_id", Type: schema.TypeString},
			{Name: "amount", Type: schema.TypeDouble},
			{Name: "status", Type: schema.TypeString},
		},
	}
}

func merchantType() schema.ObjectType {
	return schema.ObjectType{
		APIName:    "Merchant",
		PrimaryKey: "merchant_id",
		Properties: []schema.Property{
			{Name: "merchant_id", Type: schema.TypeString},
			{Name: "name", Type: schema.TypeString},
			{Name: "rating", Type: schema.TypeDouble},
		},
	}
}

func merchantMatches() function.Definition {
	return function.Definition{
		Name: "merchant_matches",
		Args: []function.Arg{
			{Name: "order", ObjectType: "Order"},
			{Name: "merchant", ObjectType: "Merchant"},
		},
		Fn: func(_ function.Env, args function.Args) (any, error) {
			return args.Object("order").Properties["merchant_id"] == args.Object("merchant").Properties["merchant_id"], nil
		},
	}
}

func newTestEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	// cache every result so hit behaviour is deterministic
	opts.Cache.Policy.Disabled = true
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// newOrderEngine builds the Order -> Merchant graph where order o1 is linked
// to both merchants but only m1 matches its merchant_id.
func newOrderEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	e := newTestEngine(t, mutate...)
	require.NoError(t, e.RegisterObjectType(orderType()))
	require.NoError(t, e.RegisterObjectType(merchantType()))
	require.NoError(t, e.RegisterFunction(merchantMatches()))
	require.NoError(t, e.RegisterLinkType(schema.LinkType{
		APIName:     "placed_at",
		Source:      "Order",
		Target:      "Merchant",
		Validations: []string{"merchant_matches"},
	}))

	for _, m := range []map[string]any{
		{"merchant_id": "m1", "name": "Acme", "rating": 4.5},
		{"merchant_id": "m2", "name": "Globex", "rating": 3.0},
	} {
		_, err := e.AddObject("Merchant", m)
		require.NoError(t, err)
	}
	for _, o := range []map[string]any{
		{"order_id": "o1", "merchant_id": "m1", "amount": 100.0, "status": "paid"},
		{"order_id": "o2", "merchant_id": "m2", "amount": 50.0, "status": "paid"},
		{"order_id": "o3", "merchant_id": "m1", "amount": 25.0, "status": "open"},
	} {
		_, err := e.AddObject("Order", o)
		require.NoError(t, err)
	}
	for _, l := range [][2]string{{"o1", "m1"}, {"o1", "m2"}, {"o2", "m2"}, {"o3", "m1"}} {
		_, err := e.CreateLink("placed_at", l[0], l[1])
		require.NoError(t, err)
	}
	return e
}

func keysOf(t *testing.T, s *ObjectSet) []storage.PK {
	t.Helper()
	keys, err := s.PrimaryKeys()
	require.NoError(t, err)
	return keys
}

// =============================================================================
// Traversal
// =============================================================================

func TestSearchAround(t *testing.T) {
	e := newOrderEngine(t)

	t.Run("validation drops mismatched edges", func(t *testing.T) {
		merchants, err := e.ObjectsOfType("Order").Filter("order_id", "o1").SearchAround("placed_at")
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"m1"}, keysOf(t, merchants))
		assert.Equal(t, "Merchant", merchants.ObjectType())
	})

	t.Run("reverse direction is inferred", func(t *testing.T) {
		orders, err := e.ObjectsOfType("Merchant").Filter("merchant_id", "m1").SearchAround("placed_at")
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"o1", "o3"}, keysOf(t, orders))
	})

	t.Run("unrelated type is a mismatch", func(t *testing.T) {
		require.NoError(t, e.RegisterObjectType(schema.ObjectType{
			APIName: "Customer", PrimaryKey: "id",
			Properties: []schema.Property{{Name: "id", Type: schema.TypeString}},
		}))
		_, err := e.ObjectsOfType("Customer").SearchAround("placed_at")
		assert.ErrorIs(t, err, schema.ErrTypeMismatch)
	})

	t.Run("unknown link type", func(t *testing.T) {
		_, err := e.ObjectsOfType("Order").SearchAround("ships_to")
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})

	t.Run("targets are deduplicated", func(t *testing.T) {
		merchants, err := e.ObjectsOfType("Order").Filter("status", "paid").SearchAround("placed_at")
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"m1", "m2"}, keysOf(t, merchants))
	})

	t.Run("where and limit", func(t *testing.T) {
		merchants, err := e.ObjectsOfType("Order").SearchAround("placed_at", Where("name", "Globex"))
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"m2"}, keysOf(t, merchants))

		merchants, err = e.ObjectsOfType("Order").SearchAround("placed_at", Limit(1))
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"m1"}, keysOf(t, merchants))
	})

	t.Run("chained traversal", func(t *testing.T) {
		merchants, err := e.ObjectsOfType("Order").Filter("order_id", "o3").SearchAround("placed_at")
		require.NoError(t, err)
		orders, err := merchants.SearchAround("placed_at")
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"o1", "o3"}, keysOf(t, orders))
	})
}

func TestSearchAround_DanglingLinks(t *testing.T) {
	e := newOrderEngine(t)
	require.NoError(t, e.DeleteObject("Merchant", "m1"))

	merchants, err := e.ObjectsOfType("Order").SearchAround("placed_at")
	require.NoError(t, err)
	assert.Equal(t, []storage.PK{"m2"}, keysOf(t, merchants))

	links, err := e.LinksOf("Order", "o1")
	require.NoError(t, err)
	assert.Len(t, links, 2, "links are not cascaded")
}

func TestSearchAround_Scoring(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterObjectType(orderType()))
	require.NoError(t, e.RegisterObjectType(merchantType()))
	require.NoError(t, e.RegisterFunction(function.Definition{
		Name: "merchant_rating",
		Args: []function.Arg{
			{Name: "order", ObjectType: "Order"},
			{Name: "merchant", ObjectType: "Merchant"},
		},
		Returns: schema.TypeDouble,
		Fn: func(_ function.Env, args function.Args) (any, error) {
			return args.Object("merchant").Properties["rating"], nil
		},
	}))
	require.NoError(t, e.RegisterLinkType(schema.LinkType{
		APIName: "placed_at", Source: "Order", Target: "Merchant", Scoring: "merchant_rating",
	}))
	_, err := e.AddObject("Merchant", map[string]any{"merchant_id": "m1", "rating": 4.5})
	require.NoError(t, err)
	_, err = e.AddObject("Order", map[string]any{"order_id": "o1", "merchant_id": "m1"})
	require.NoError(t, err)
	_, err = e.CreateLink("placed_at", "o1", "m1")
	require.NoError(t, err)

	merchants, err := e.ObjectsOfType("Order").SearchAround("placed_at")
	require.NoError(t, err)
	m, err := merchants.First()
	require.NoError(t, err)
	score, ok := m.Score("placed_at")
	require.True(t, ok)
	assert.Equal(t, 4.5, score)

	stored, _, err := e.GetObject("Merchant", "m1")
	require.NoError(t, err)
	_, ok = stored.Score("placed_at")
	assert.False(t, ok, "scores are never written back")
}

func TestRegisterLinkType_UnknownFunction(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterObjectType(orderType()))
	require.NoError(t, e.RegisterObjectType(merchantType()))
	err := e.RegisterLinkType(schema.LinkType{
		APIName: "placed_at", Source: "Order", Target: "Merchant", Validations: []string{"nope"},
	})
	assert.ErrorIs(t, err, schema.ErrSchema)
	_, ok := e.Schema().LinkType("placed_at")
	assert.False(t, ok)
}

// =============================================================================
// Mutations
// =============================================================================

func TestObjects(t *testing.T) {
	e := newOrderEngine(t)

	t.Run("add validates", func(t *testing.T) {
		_, err := e.AddObject("Order", map[string]any{"merchant_id": "m1"})
		assert.ErrorIs(t, err, schema.ErrValidation)
		_, err = e.AddObject("Order", map[string]any{"order_id": "x", "colour": "red"})
		assert.ErrorIs(t, err, schema.ErrValidation)
		_, err = e.AddObject("Order", map[string]any{"order_id": "o1"})
		assert.ErrorIs(t, err, schema.ErrAlreadyExists)
		_, err = e.AddObject("Invoice", map[string]any{"id": "i"})
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})

	t.Run("values are coerced", func(t *testing.T) {
		o, err := e.AddObject("Order", map[string]any{"order_id": "o9", "amount": 12})
		require.NoError(t, err)
		assert.Equal(t, 12.0, o.Properties["amount"])

		_, err = e.AddObject("Order", map[string]any{"order_id": "o10", "amount": "12.5"})
		assert.ErrorIs(t, err, schema.ErrValidation)
	})

	t.Run("update merges and keeps the key", func(t *testing.T) {
		o, err := e.UpdateObject("Order", "o3", map[string]any{"status": "paid", "amount": nil})
		require.NoError(t, err)
		assert.Equal(t, "paid", o.Properties["status"])
		assert.NotContains(t, o.Properties, "amount")

		_, err = e.UpdateObject("Order", "o3", map[string]any{"order_id": "other"})
		assert.ErrorIs(t, err, schema.ErrValidation)
		_, err = e.UpdateObject("Order", "nope", map[string]any{"status": "x"})
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})

	t.Run("upsert", func(t *testing.T) {
		_, err := e.UpsertObject("Merchant", map[string]any{"merchant_id": "m3", "name": "Initech"})
		require.NoError(t, err)
		_, err = e.UpsertObject("Merchant", map[string]any{"merchant_id": "m3", "name": "Initrode"})
		require.NoError(t, err)
		m, ok, err := e.GetObject("Merchant", "m3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Initrode", m.Properties["name"])
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, e.DeleteObject("Order", "o9"))
		assert.ErrorIs(t, e.DeleteObject("Order", "o9"), schema.ErrNotFound)
		_, ok, err := e.GetObject("Order", "o9")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLinks(t *testing.T) {
	e := newOrderEngine(t)

	created, err := e.CreateLink("placed_at", "o1", "m1")
	require.NoError(t, err)
	assert.False(t, created, "existing link is a no-op")

	_, err = e.CreateLink("placed_at", "o1", "missing")
	assert.ErrorIs(t, err, schema.ErrNotFound)

	require.NoError(t, e.DeleteLink("placed_at", "o1", "m1"))
	assert.ErrorIs(t, e.DeleteLink("placed_at", "o1", "m1"), schema.ErrNotFound)

	merchants, err := e.ObjectsOfType("Order").Filter("order_id", "o1").SearchAround("placed_at")
	require.NoError(t, err)
	n, err := merchants.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinks_ConcurrentCreateDelete(t *testing.T) {
	e := newOrderEngine(t)
	target := storage.Link{Type: "placed_at", Source: storage.KeyOf("o3"), Target: storage.KeyOf("m2")}

	inIndex := func() bool {
		links, err := e.LinksOf("Order", "o3")
		require.NoError(t, err)
		for _, l := range links {
			if l == target {
				return true
			}
		}
		return false
	}

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := e.CreateLink("placed_at", "o3", "m2")
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := e.DeleteLink("placed_at", "o3", "m2"); err != nil && !errors.Is(err, schema.ErrNotFound) {
					t.Errorf("DeleteLink: %v", err)
				}
			}
		}()
		wg.Wait()
		require.Equal(t, e.links.Has("placed_at", target.Source, target.Target), inIndex(), "round %d", round)
	}
}

// =============================================================================
// Filters and indexes
// =============================================================================

func TestFilter_IndexMatchesScan(t *testing.T) {
	scan := newOrderEngine(t)
	indexed := newOrderEngine(t)
	_, err := indexed.CreatePropertyIndex("Order", "merchant_id", index.KindHash, false)
	require.NoError(t, err)
	_, err = indexed.CreateCompositeIndex("Order", []string{"merchant_id", "status"}, false)
	require.NoError(t, err)

	queries := []map[string]any{
		{"merchant_id": "m1"},
		{"merchant_id": "m1", "status": "paid"},
		{"status": "open"},
		{"merchant_id": "m9"},
	}
	for _, q := range queries {
		t.Run(fmt.Sprint(q), func(t *testing.T) {
			run := func(e *Engine) []storage.PK {
				s := e.ObjectsOfType("Order")
				for k, v := range q {
					s = s.Filter(k, v)
				}
				return keysOf(t, s)
			}
			if diff := cmp.Diff(run(scan), run(indexed)); diff != "" {
				t.Errorf("index and scan disagree (-scan +index):\n%s", diff)
			}
		})
	}

	plan, err := indexed.Explain("Order", map[string]any{"merchant_id": "m1", "status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, index.PlanCompositeExact, plan.Kind)
}

func TestFilter_Errors(t *testing.T) {
	e := newOrderEngine(t)
	_, err := e.ObjectsOfType("Order").Filter("colour", "red").All()
	assert.ErrorIs(t, err, schema.ErrNotFound)
	_, err = e.ObjectsOfType("Invoice").Len()
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestFilter_CacheInvalidation(t *testing.T) {
	e := newOrderEngine(t)
	paid := func() []storage.PK { return keysOf(t, e.ObjectsOfType("Order").Filter("status", "paid")) }

	assert.Equal(t, []storage.PK{"o1", "o2"}, paid())
	assert.Equal(t, []storage.PK{"o1", "o2"}, paid())
	stats, ok := e.CacheStats()
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.Hits, uint64(1))

	_, err := e.UpdateObject("Order", "o3", map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, []storage.PK{"o1", "o2", "o3"}, paid())
}

func TestFilter_DerivedProperty(t *testing.T) {
	e := newTestEngine(t)
	ot := orderType()
	ot.Derived = []schema.DerivedProperty{{Name: "is_large", Type: schema.TypeBoolean, Function: "is_large"}}
	require.NoError(t, e.RegisterObjectType(ot))
	require.NoError(t, e.RegisterFunction(function.Definition{
		Name: "is_large",
		Args: []function.Arg{{Name: "order", ObjectType: "Order"}},
		Fn: func(_ function.Env, args function.Args) (any, error) {
			amount, _ := args.Object("order").Properties["amount"].(float64)
			return amount >= 100, nil
		},
	}))
	for i, amount := range []float64{10, 150, 99, 100} {
		_, err := e.AddObject("Order", map[string]any{"order_id": fmt.Sprintf("o%d", i), "amount": amount})
		require.NoError(t, err)
	}

	large := e.ObjectsOfType("Order").Filter("is_large", true)
	assert.Equal(t, []storage.PK{"o1", "o3"}, keysOf(t, large))

	values, err := large.Values("is_large")
	require.NoError(t, err)
	assert.Equal(t, []any{true, true}, values)

	_, err = e.CreatePropertyIndex("Order", "is_large", index.KindHash, false)
	assert.ErrorIs(t, err, schema.ErrSchema)
}

func TestUniqueIndex(t *testing.T) {
	e := newOrderEngine(t)
	_, err := e.CreatePropertyIndex("Merchant", "name", index.KindHash, true)
	require.NoError(t, err)

	_, err = e.AddObject("Merchant", map[string]any{"merchant_id": "m3", "name": "Acme"})
	assert.ErrorIs(t, err, schema.ErrUniqueConstraint)
	assert.ErrorIs(t, err, schema.ErrValidation)

	_, err = e.UpdateObject("Merchant", "m2", map[string]any{"name": "Acme"})
	assert.ErrorIs(t, err, schema.ErrUniqueConstraint)
	m, _, err := e.GetObject("Merchant", "m2")
	require.NoError(t, err)
	assert.Equal(t, "Globex", m.Properties["name"], "failed update leaves the object untouched")

	_, err = e.CreatePropertyIndex("Order", "merchant_id", index.KindHash, true)
	assert.ErrorIs(t, err, schema.ErrUniqueConstraint, "existing duplicates block a unique index")
}

func TestIndexAdministration(t *testing.T) {
	e := newOrderEngine(t)
	def, err := e.CreatePropertyIndex("Order", "amount", index.KindRange, false)
	require.NoError(t, err)
	assert.NotEmpty(t, def.Name)

	_, err = e.CreatePropertyIndex("Order", "colour", index.KindHash, false)
	assert.ErrorIs(t, err, schema.ErrNotFound)

	require.Len(t, e.Indexes(), 1)
	stats := e.IndexStats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 3, stats[0].TotalEntries)

	require.NoError(t, e.DropIndex(def.Name))
	assert.Empty(t, e.Indexes())
	assert.ErrorIs(t, e.DropIndex(def.Name), schema.ErrNotFound)
}

func TestRangeQuery(t *testing.T) {
	for _, indexed := range []bool{false, true} {
		t.Run(fmt.Sprintf("indexed=%v", indexed), func(t *testing.T) {
			e := newOrderEngine(t)
			if indexed {
				_, err := e.CreatePropertyIndex("Order", "amount", index.KindRange, false)
				require.NoError(t, err)
			}
			set, err := e.RangeQuery("Order", "amount", 25, 100, true, false)
			require.NoError(t, err)
			assert.ElementsMatch(t, []storage.PK{"o2", "o3"}, keysOf(t, set))

			set, err = e.RangeQuery("Order", "amount", 50, nil, false, false)
			require.NoError(t, err)
			assert.Equal(t, []storage.PK{"o1"}, keysOf(t, set))
		})
	}

	e := newOrderEngine(t)
	_, err := e.RangeQuery("Order", "colour", 1, 2, true, true)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestSuggestIndexes(t *testing.T) {
	e := newOrderEngine(t, func(o *Options) {
		o.CacheEnabled = false
		o.SuggestMinCount = 2
		o.SuggestMinDuration = 0
	})
	for i := 0; i < 3; i++ {
		_, err := e.ObjectsOfType("Order").Filter("status", "paid").All()
		require.NoError(t, err)
	}
	suggestions := e.SuggestIndexes()
	require.Len(t, suggestions, 1)
	assert.Equal(t, "Order", suggestions[0].Definition.ObjectType)
	assert.Equal(t, []string{"status"}, suggestions[0].Definition.Properties)
	assert.EqualValues(t, 3, suggestions[0].Count)

	_, err := e.CreatePropertyIndex("Order", "status", index.KindHash, false)
	require.NoError(t, err)
	assert.Empty(t, e.SuggestIndexes())
}

// =============================================================================
// Aggregation
// =============================================================================

func TestAggregate(t *testing.T) {
	e := newOrderEngine(t)
	orders := e.ObjectsOfType("Order")

	tests := []struct {
		fn   AggregateFunc
		want float64
	}{
		{Sum, 175},
		{Avg, 175.0 / 3},
		{Max, 100},
		{Min, 25},
		{Count, 3},
		{"SUM", 175},
	}
	for _, tt := range tests {
		t.Run(string(tt.fn), func(t *testing.T) {
			got, err := orders.Aggregate("amount", tt.fn)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	t.Run("empty set is zero", func(t *testing.T) {
		got, err := orders.Filter("status", "refunded").Aggregate("amount", Avg)
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("unknown function", func(t *testing.T) {
		_, err := orders.Aggregate("amount", "median")
		assert.ErrorIs(t, err, schema.ErrUnsupportedOperation)
		_, err = orders.Filter("status", "refunded").Aggregate("amount", "median")
		assert.ErrorIs(t, err, schema.ErrUnsupportedOperation)
	})

	t.Run("non-numeric", func(t *testing.T) {
		_, err := orders.Aggregate("status", Sum)
		assert.ErrorIs(t, err, schema.ErrTypeMismatch)
		n, err := orders.Aggregate("status", Count)
		require.NoError(t, err)
		assert.Equal(t, 3.0, n)
	})
}

func TestObjectSetAdd(t *testing.T) {
	e := newOrderEngine(t)
	set := e.ObjectsOfType("Merchant").Filter("merchant_id", "m1")
	m2, _, err := e.GetObject("Merchant", "m2")
	require.NoError(t, err)
	require.NoError(t, set.Add(m2))
	assert.Equal(t, []storage.PK{"m1", "m2"}, keysOf(t, set))

	o1, _, err := e.GetObject("Order", "o1")
	require.NoError(t, err)
	assert.ErrorIs(t, set.Add(o1), schema.ErrTypeMismatch)
}

// =============================================================================
// Permissions
// =============================================================================

func TestPermissions(t *testing.T) {
	acl := auth.NewACL()
	require.NoError(t, acl.Grant("Order", "alice", auth.PermView))
	require.NoError(t, acl.GrantRole("Order", "bob", auth.RoleEditor))
	require.NoError(t, acl.Grant("Merchant", "bob", auth.PermView))
	tokens := auth.NewTokenStore(auth.TokenConfig{BcryptCost: 4, Expiry: time.Hour})

	e := newTestEngine(t, func(o *Options) {
		o.Checker = acl
		o.Tokens = tokens
	})
	ot, mt := orderType(), merchantType()
	ot.AccessControlled, mt.AccessControlled = true, true
	require.NoError(t, e.RegisterObjectType(ot))
	require.NoError(t, e.RegisterObjectType(mt))
	require.NoError(t, e.RegisterLinkType(schema.LinkType{APIName: "placed_at", Source: "Order", Target: "Merchant"}))

	_, err := e.AddObject("Order", map[string]any{"order_id": "o1"}, As("alice"))
	assert.ErrorIs(t, err, schema.ErrPermissionDenied)
	_, err = e.AddObject("Order", map[string]any{"order_id": "o1"}, As("bob"))
	require.NoError(t, err)
	_, err = e.AddObject("Merchant", map[string]any{"merchant_id": "m1"})
	require.NoError(t, err)
	_, err = e.CreateLink("placed_at", "o1", "m1", As("bob"))
	require.NoError(t, err)

	t.Run("reads", func(t *testing.T) {
		n, err := e.ObjectsOfType("Order", As("alice")).Len()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = e.ObjectsOfType("Order").Len()
		assert.ErrorIs(t, err, schema.ErrPermissionDenied)
		_, _, err = e.GetObject("Order", "o1", As("mallory"))
		assert.ErrorIs(t, err, schema.ErrPermissionDenied)
	})

	t.Run("traversal checks the far type", func(t *testing.T) {
		_, err := e.ObjectsOfType("Order", As("alice")).SearchAround("placed_at")
		assert.ErrorIs(t, err, schema.ErrPermissionDenied)
		merchants, err := e.ObjectsOfType("Order", As("bob")).SearchAround("placed_at")
		require.NoError(t, err)
		assert.Equal(t, []storage.PK{"m1"}, keysOf(t, merchants))
	})

	t.Run("tokens", func(t *testing.T) {
		token, err := tokens.Issue("alice")
		require.NoError(t, err)
		n, err := e.ObjectsOfType("Order", WithToken(token)).Len()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = e.ObjectsOfType("Order", WithToken("bogus.token")).Len()
		assert.ErrorIs(t, err, schema.ErrPermissionDenied)
	})

	t.Run("delete needs DELETE", func(t *testing.T) {
		assert.ErrorIs(t, e.DeleteObject("Order", "o1", As("alice")), schema.ErrPermissionDenied)
		_, ok, err := e.GetObject("Order", "o1", As("alice"))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

// =============================================================================
// Configuration and metrics
// =============================================================================

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.L1Size = 7
	cfg.Index.TieringEnabled = false
	cfg.Policy.Enabled = false
	cfg.Metrics.Enabled = true

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 7, opts.Cache.L1.Capacity)
	assert.True(t, opts.Tiers.Disabled)
	assert.True(t, opts.Cache.Policy.Disabled)
	assert.IsType(t, &metrics.Prometheus{}, opts.Recorder)
}

func TestStats(t *testing.T) {
	e := newOrderEngine(t)
	_, err := e.ObjectsOfType("Order").Filter("status", "paid").All()
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, map[string]int{"Order": 3, "Merchant": 2}, s.Objects)
	assert.Equal(t, 4, s.Links)
	assert.Equal(t, 1, s.Functions)
	require.NotNil(t, s.Cache)
	assert.NotEmpty(t, s.Patterns)

	e.Clear()
	assert.Empty(t, e.Stats().Objects)
	_, ok := e.Schema().ObjectType("Order")
	assert.True(t, ok, "types survive Clear")
}

func TestL3Tier(t *testing.T) {
	e := newOrderEngine(t, func(o *Options) {
		o.L3 = &cache.BadgerOptions{InMemory: true}
	})
	assert.True(t, e.Cache().HasRemote())
	for i := 0; i < 2; i++ {
		assert.Equal(t, []storage.PK{"o1", "o2"}, keysOf(t, e.ObjectsOfType("Order").Filter("status", "paid")))
	}
}

func TestLoadSchema(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.RegisterFunction(merchantMatches()))
	doc := `
object_types:
  - api_name: Order
    primary_key: order_id
    properties:
      - {name: order_id, type: string}
      - {name: merchant_id, type: string}
  - api_name: Merchant
    primary_key: merchant_id
    properties:
      - {name: merchant_id, type: string}
link_types:
  - api_name: placed_at
    source: Order
    target: Merchant
    validations: [merchant_matches]
`
	require.NoError(t, e.LoadSchema([]byte(doc)))
	lt, ok := e.Schema().LinkType("placed_at")
	require.True(t, ok)
	assert.Equal(t, []string{"merchant_matches"}, lt.Validations)
}
