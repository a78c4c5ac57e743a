package md5

import "testing"

// TestSumDeterministic ensures repeated hashing yields the same digest.
func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	got := Sum([]byte("hello world"))
	want := "5eb63bbbe01eeed093cb22bb8f5acdc3"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := Sum([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestSumDistinctInputs(t *testing.T) {
	t.Parallel()

	seen := map[string]string{}
	for _, in := range []string{"https://example.com/", "https://example.com", "https://example.com/a", "https://example.com/a?x=1"} {
		sum := Sum([]byte(in))
		if prev, ok := seen[sum]; ok {
			t.Fatalf("collision between %q and %q", prev, in)
		}
		seen[sum] = in
	}
}
