package core

import (
	"fmt"
	"testing"
)

func TestBucketKnownVectors(t *testing.T) {
	tests := []struct {
		seed         string
		totalBuckets int
		want         int
	}{
		{seed: "", totalBuckets: 10, want: 0},
		{seed: "hello", totalBuckets: 10, want: 613153351 % 10},
		{seed: "hello", totalBuckets: 1000, want: 613153351 % 1000},
		{seed: "anything", totalBuckets: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.seed, tt.totalBuckets), func(t *testing.T) {
			if got := Bucket(tt.seed, tt.totalBuckets); got != tt.want {
				t.Fatalf("Bucket(%q, %d) = %d, want %d", tt.seed, tt.totalBuckets, got, tt.want)
			}
		})
	}
}

func TestBucketIsDeterministicAndInRange(t *testing.T) {
	for _, total := range []int{1, 7, 10, 100, 10000} {
		for i := range 500 {
			seed := fmt.Sprintf("rule-%d-user-%d-", total, i)
			first := Bucket(seed, total)
			if first < 0 || first >= total {
				t.Fatalf("Bucket(%q, %d) = %d, outside [0, %d)", seed, total, first, total)
			}
			if second := Bucket(seed, total); second != first {
				t.Fatalf("Bucket(%q, %d) changed between calls: %d then %d", seed, total, first, second)
			}
		}
	}
}

func TestBucketPanicsOnNonPositiveTotal(t *testing.T) {
	for _, total := range []int{0, -1} {
		t.Run(fmt.Sprint(total), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("Bucket(_, %d) did not panic", total)
				}
			}()
			Bucket("seed", total)
		})
	}
}

func TestActiveBuckets(t *testing.T) {
	tests := []struct {
		percentage float64
		total      int
		want       int
	}{
		{percentage: 0, total: 10, want: 0},
		{percentage: 100, total: 10, want: 10},
		{percentage: 15, total: 10, want: 1},
		{percentage: 50, total: 10, want: 5},
		{percentage: 99.9, total: 10, want: 9},
		{percentage: 100, total: 7, want: 7},
	}

	for _, tt := range tests {
		if got := ActiveBuckets(tt.percentage, tt.total); got != tt.want {
			t.Fatalf("ActiveBuckets(%v, %d) = %d, want %d", tt.percentage, tt.total, got, tt.want)
		}
	}
}

func TestActiveBucketsIsMonotonic(t *testing.T) {
	for _, total := range []int{1, 10, 100, 1000} {
		previous := 0
		for step := 0; step <= 1000; step++ {
			got := ActiveBuckets(float64(step)/10, total)
			if got < previous {
				t.Fatalf("ActiveBuckets(%v, %d) = %d, below %d at a lower percentage", float64(step)/10, total, got, previous)
			}
			previous = got
		}
	}
}
