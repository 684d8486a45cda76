package dispatcher

import (
	"hash/fnv"
	"strconv"
)

// pickVariant deterministically selects a content variant for the step.
// Seeding by (enrollment id, step index) keeps retries of the same step
// on the same variant, which preserves A/B bucket assignment and makes
// the audit trail reproducible.
func pickVariant(variants []string, enrollmentID string, stepIndex int) string {
	if len(variants) == 0 {
		return ""
	}
	if len(variants) == 1 {
		return variants[0]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(enrollmentID))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(strconv.Itoa(stepIndex)))
	return variants[h.Sum64()%uint64(len(variants))]
}
