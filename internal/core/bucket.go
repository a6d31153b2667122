package core

import (
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// Bucket maps seed onto one of totalBuckets partitions using 32-bit
// MurmurHash3 (seed 0) over the UTF-8 bytes of seed.
//
// The result depends only on its arguments, so a given seed lands in the same
// bucket across restarts and across any implementation using the same hash.
// Bucket panics if totalBuckets is not positive.
func Bucket(seed string, totalBuckets int) int {
	if totalBuckets <= 0 {
		panic(fmt.Sprintf("core: totalBuckets must be > 0, got %d", totalBuckets))
	}

	hash := murmur3.Sum32([]byte(seed))
	return int(uint64(hash) % uint64(totalBuckets))
}

// ActiveBuckets returns how many of totalBuckets are switched on at the given
// percentage. Percentages between bucket boundaries round down.
func ActiveBuckets(percentage float64, totalBuckets int) int {
	return int(math.Floor(percentage / 100 * float64(totalBuckets)))
}

func percentageSeed(ruleID, userID, salt string) string {
	return ruleID + "-" + userID + "-" + salt
}
