package quire

import "testing"

func TestDigest(t *testing.T) {
	seen := map[string]int{}
	for _, alg := range []int{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		d := digest([]byte("users-age"), alg)
		if len(d) != 16 {
			t.Errorf("alg %d: digest %q is %d characters, want 16", alg, d, len(d))
		}
		if d != digest([]byte("users-age"), alg) {
			t.Errorf("alg %d: digest is not deterministic", alg)
		}
		if d == digest([]byte("users-agf"), alg) {
			t.Errorf("alg %d: different inputs share a digest", alg)
		}
		seen[d] = alg
	}
	if len(seen) != 3 {
		t.Errorf("algorithms produced %d distinct digests, want 3", len(seen))
	}
}
