// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package voxel

import (
	"runtime"
)

// Returns the number of threads to use; non-positive values select all available CPUs
func Threads(threads int) int {
	if threads <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return threads
}

// Returns the number of work packages and their size for splitting n items
// into 8*threads batches
func Batches(n, threads int) (numBatches, batchSize int) {
	if n <= 0 {
		return 0, 0
	}
	numBatches = 8 * Threads(threads)
	batchSize = (n + numBatches - 1) / numBatches
	numBatches = (n + batchSize - 1) / batchSize
	return numBatches, batchSize
}

// Applies fn to the half-open ranges [lo,hi) covering [0,n), with at most
// threads ranges in flight. Returns once all ranges have been processed.
// Ranges are numbered in ascending order by batch, so callers can keep
// per-batch partial results without synchronization.
func ParallelFor(n, threads int, fn func(batch, lo, hi int)) {
	numBatches, batchSize := Batches(n, threads)
	if numBatches == 0 {
		return
	}
	if numBatches == 1 {
		fn(0, 0, n)
		return
	}

	sem := make(chan bool, Threads(threads))
	for b := 0; b < numBatches; b++ {
		lower := b * batchSize
		upper := lower + batchSize
		if upper > n {
			upper = n
		}

		sem <- true
		go func(b, lower, upper int) {
			fn(b, lower, upper)
			<-sem
		}(b, lower, upper)
	}

	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
}

// Parallel reduction to a float64 sum. Partial sums are merged in batch order,
// so the result does not depend on scheduling
func ParallelSum(n, threads int, fn func(lo, hi int) float64) float64 {
	numBatches, _ := Batches(n, threads)
	partials := make([]float64, numBatches)
	ParallelFor(n, threads, func(batch, lo, hi int) {
		partials[batch] = fn(lo, hi)
	})
	sum := 0.0
	for _, p := range partials {
		sum += p
	}
	return sum
}

// Parallel reduction to an integer count
func ParallelCount(n, threads int, fn func(lo, hi int) int) int {
	offsets := ParallelOffsets(n, threads, fn)
	return offsets[len(offsets)-1]
}

// Runs the counting function on all batches and returns the exclusive prefix
// sums of the per-batch counts, with the grand total as last element. Used to
// give each batch its own contiguous output range, e.g. rows of a design matrix
func ParallelOffsets(n, threads int, fn func(lo, hi int) int) []int {
	numBatches, _ := Batches(n, threads)
	offsets := make([]int, numBatches+1)
	ParallelFor(n, threads, func(batch, lo, hi int) {
		offsets[batch+1] = fn(lo, hi)
	})
	for b := 1; b < len(offsets); b++ {
		offsets[b] += offsets[b-1]
	}
	return offsets
}
