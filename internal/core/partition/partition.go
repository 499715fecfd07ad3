package partition

import "hash/fnv"

// Count is the fixed number of logical partitions.
const Count = 256

// For returns the partition of a chain key.
// Stable and deterministic: the same key always maps to the same partition.
func For(chainKey string) int {
	h := fnv.New32a()
	h.Write([]byte(chainKey))
	return int(h.Sum32() % Count)
}

// Worker maps a chain key onto one of n workers through its partition, so
// that every event of a chain is handled by the same worker.
func Worker(chainKey string, n int) int {
	if n <= 1 {
		return 0
	}
	return For(chainKey) % n
}
