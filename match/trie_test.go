package match_test

import (
	"sort"
	"testing"

	"github.com/richard-shepherd/MessagingMesh/match"
	"github.com/richard-shepherd/MessagingMesh/tools/tassert"
)

func subIDs(t *testing.T, recs []match.Record) []uint32 {
	t.Helper()
	ids := make([]uint32, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.SubscriptionID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// S2 — tail wildcard.
func TestTailWildcardScenarioS2(t *testing.T) {
	e := match.NewEngine()
	_, err := e.AddSubscription("orders.>", 20, 1, nil)
	tassert.CheckFatal(t, err)
	_, err = e.AddSubscription("orders.new", 21, 2, nil)
	tassert.CheckFatal(t, err)
	_, err = e.AddSubscription(">", 22, 3, nil)
	tassert.CheckFatal(t, err)

	recs, err := e.Match("orders.new")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{20, 21, 22})

	recs, err = e.Match("orders.new.eu")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{20, 22})

	recs, err = e.Match("orders")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{22})
}

// S3 — single-token wildcard.
func TestSingleTokenWildcardScenarioS3(t *testing.T) {
	e := match.NewEngine()
	_, err := e.AddSubscription("A.*.C", 30, 1, nil)
	tassert.CheckFatal(t, err)

	recs, err := e.Match("A.B.C")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{30})

	for _, subj := range []string{"A.C", "A.B.C.D"} {
		recs, err := e.Match(subj)
		tassert.CheckFatal(t, err)
		if len(recs) != 0 {
			t.Fatalf("subject %q: expected no match, got %v", subj, recs)
		}
	}
}

// S1 — exact match.
func TestExactMatchScenarioS1(t *testing.T) {
	e := match.NewEngine()
	_, err := e.AddSubscription("orders.new", 10, 1, nil)
	tassert.CheckFatal(t, err)
	recs, err := e.Match("orders.new")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{10})
}

// I1: cached result equals non-cached result as a multiset.
func TestCacheCoherence(t *testing.T) {
	e := match.NewEngine()
	e.AddSubscription("a.b.>", 1, 1, nil)
	e.AddSubscription("a.*.c", 2, 2, nil)

	cached, err := e.Match("a.b.c")
	tassert.CheckFatal(t, err)

	e.EnableCaching(false)
	uncached, err := e.Match("a.b.c")
	tassert.CheckFatal(t, err)

	tassert.DeepEqual(t, subIDs(t, cached), subIDs(t, uncached))
}

// I4: owner purge leaves no node, including wildcard subtrees, holding a
// record for that owner.
func TestRemoveAllForOwner(t *testing.T) {
	e := match.NewEngine()
	e.AddSubscription("a.b.c", 1, 42, nil)
	e.AddSubscription("a.*.c", 2, 42, nil)
	e.AddSubscription("a.>", 3, 42, nil)
	e.AddSubscription("a.b.c", 4, 7, nil) // different owner, same node

	e.RemoveAllForOwner(42)

	recs, err := e.Match("a.b.c")
	tassert.CheckFatal(t, err)
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{4})
}

// Subscribing then immediately unsubscribing leaves the engine empty.
func TestSubscribeUnsubscribeIsIdempotent(t *testing.T) {
	e := match.NewEngine()
	count, err := e.AddSubscription("t", 1, 1, nil)
	tassert.CheckFatal(t, err)
	if count != 1 {
		t.Fatalf("got count %d, want 1", count)
	}
	count, err = e.RemoveSubscription("t", 1)
	tassert.CheckFatal(t, err)
	if count != 0 {
		t.Fatalf("got count %d, want 0", count)
	}
	recs, err := e.Match("t")
	tassert.CheckFatal(t, err)
	if len(recs) != 0 {
		t.Fatalf("expected no matches, got %v", recs)
	}
}

func TestDuplicateOwnerReplaces(t *testing.T) {
	e := match.NewEngine()
	count, _ := e.AddSubscription("t", 1, 1, nil)
	if count != 1 {
		t.Fatalf("got %d, want 1", count)
	}
	count, _ = e.AddSubscription("t", 2, 1, nil)
	if count != 1 {
		t.Fatalf("duplicate owner add should replace, got count %d", count)
	}
	recs, _ := e.Match("t")
	tassert.DeepEqual(t, subIDs(t, recs), []uint32{2})
}

func TestValidatePatternRejectsBadGreaterThan(t *testing.T) {
	if err := match.ValidatePattern("a.>.b", true); err == nil {
		t.Fatal("expected error for '>' not in final position")
	}
	if err := match.ValidatePattern("a.*", false); err == nil {
		t.Fatal("expected error for wildcard in publish subject")
	}
	if err := match.ValidatePattern("", true); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestTokenizeBoundaries(t *testing.T) {
	tassert.DeepEqual(t, match.Tokenize(""), []string(nil))
	tassert.DeepEqual(t, match.Tokenize("..."), []string{"", "", ""})
}

func TestPruneEmpty(t *testing.T) {
	e := match.NewEngine()
	e.AddSubscription("a.b.c", 1, 1, nil)
	e.RemoveSubscription("a.b.c", 1)
	e.PruneEmpty()
	recs, err := e.Match("a.b.c")
	tassert.CheckFatal(t, err)
	if len(recs) != 0 {
		t.Fatalf("expected no matches after prune, got %v", recs)
	}
}
