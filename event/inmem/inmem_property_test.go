package inmem

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fluxgate-ai/agentrun/event"
	"github.com/fluxgate-ai/agentrun/scope"
)

// TestReadPagePaginationIsComplete verifies that paging through a run's
// event log with any page size, from the start, visits every appended event
// exactly once and in append order.
func TestReadPagePaginationIsComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cursor pagination yields every appended event exactly once, in order", prop.ForAll(
		func(tc paginationTestCase) bool {
			ctx := context.Background()
			sc := scope.New("org-prop", "user-prop")
			store := New()
			store.BindScope(tc.runID, sc)

			for range tc.numEvents {
				e, err := event.NewDraft(tc.runID, event.TypeToolCalled, map[string]string{"k": "v"})
				if err != nil {
					return false
				}
				if _, err := store.AppendOne(ctx, sc, e); err != nil {
					return false
				}
			}

			var seen []int64
			var afterID int64
			for {
				page, err := store.ReadPage(ctx, sc, tc.runID, afterID, tc.pageSize, nil)
				if err != nil {
					return false
				}
				for _, e := range page.Items {
					seen = append(seen, e.ID)
				}
				if page.NextCursor == nil {
					break
				}
				afterID = *page.NextCursor
			}

			if len(seen) != tc.numEvents {
				return false
			}
			for i, id := range seen {
				if i > 0 && id <= seen[i-1] {
					return false // ids must be strictly increasing (append order)
				}
			}
			return true
		},
		genPaginationTestCase(),
	))

	properties.Property("excluded types are dropped from the page but do not stall the cursor", prop.ForAll(
		func(tc paginationTestCase) bool {
			ctx := context.Background()
			sc := scope.New("org-prop-excl", "user-prop-excl")
			store := New()
			store.BindScope(tc.runID, sc)

			for i := range tc.numEvents {
				typ := event.TypeToolCalled
				if i%2 == 0 {
					typ = event.TypeToolResult
				}
				e, err := event.NewDraft(tc.runID, typ, json.RawMessage(`{}`))
				if err != nil {
					return false
				}
				if _, err := store.AppendOne(ctx, sc, e); err != nil {
					return false
				}
			}

			var seen int
			var afterID int64
			for {
				page, err := store.ReadPage(ctx, sc, tc.runID, afterID, tc.pageSize, []event.Type{event.TypeToolResult})
				if err != nil {
					return false
				}
				for _, e := range page.Items {
					if e.Type == event.TypeToolResult {
						return false // excluded type leaked into the page
					}
					seen++
				}
				if page.NextCursor == nil {
					break
				}
				afterID = *page.NextCursor
			}

			want := tc.numEvents / 2
			return seen == want
		},
		genPaginationTestCase(),
	))

	properties.TestingRun(t)
}

type paginationTestCase struct {
	runID    string
	numEvents int
	pageSize  int
}

func genPaginationTestCase() gopter.Gen {
	return gopter.CombineGens(
		genRunID(),
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
	).Map(func(vals []any) paginationTestCase {
		return paginationTestCase{
			runID:     vals[0].(string),
			numEvents: vals[1].(int),
			pageSize:  vals[2].(int),
		}
	})
}

func genRunID() gopter.Gen {
	return gen.IntRange(1, 20).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return "run-" + string(chars)
		})
	}, reflect.TypeOf(""))
}
