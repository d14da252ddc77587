package replicator

import "strconv"

// parseSeq and fmtSeq convert between the string form LastSequence is
// persisted in (spec §3 "Replicator state") and the uint64 form
// store.Database.ChangesSince expects. An empty or malformed string reads
// as the zero sequence, the same starting point a fresh checkpoint uses.
func parseSeq(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func fmtSeq(n uint64) string {
	return strconv.FormatUint(n, 10)
}
