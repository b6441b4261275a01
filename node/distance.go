package node

import (
	"crypto/rand"
	"math/bits"
)

// Distance returns the XOR distance between two IDs.
func Distance(a, b ID) ID {
	var result ID
	for i := 0; i < len(a); i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// LogDistance returns the logarithmic distance between two IDs: the bit
// position of the most significant set bit of their XOR distance (0-255).
// Returns -1 for identical IDs.
func LogDistance(a, b ID) int {
	dist := Distance(a, b)

	lz := 0
	for i := 0; i < len(dist); i++ {
		if dist[i] == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(dist[i])
			break
		}
	}

	if lz == 256 {
		return -1
	}
	return 255 - lz
}

// Compare orders a and b by their distance to target.
// Returns -1 if a is closer, 1 if b is closer, 0 if equidistant.
func Compare(target, a, b ID) int {
	for i := 0; i < len(target); i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b ID) bool {
	return Compare(target, a, b) < 0
}

// FindClosest returns the up-to-k IDs from the list that are closest to
// target, sorted closest first.
func FindClosest(target ID, ids []ID, k int) []ID {
	if len(ids) == 0 {
		return nil
	}

	result := make([]ID, len(ids))
	copy(result, ids)
	SortByDistance(target, result)

	if len(result) > k {
		result = result[:k]
	}
	return result
}

// SortByDistance sorts IDs in place by distance to target, closest first.
// Insertion sort, fine for bucket-sized lists.
func SortByDistance(target ID, ids []ID) {
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && Compare(target, key, ids[j]) < 0 {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
}

// RandomIDAtDistance generates a random ID whose log-distance to base is
// exactly logDist. Used for random-walk lookup targets.
func RandomIDAtDistance(base ID, logDist int) ID {
	if logDist < 0 || logDist > 255 {
		return base
	}

	// bit logDist counts from the least significant end, the ID array
	// is big endian
	byteIndex := (255 - logDist) / 8
	bitInByte := uint(logDist % 8)

	var dist ID
	dist[byteIndex] = 1 << bitInByte

	randomBytes := make([]byte, len(dist)-byteIndex)
	if _, err := rand.Read(randomBytes); err != nil {
		for i := range randomBytes {
			randomBytes[i] = byte((i + 1) * 37)
		}
	}

	// randomize only the bits below the fixed MSB
	lowerMask := byte((1 << bitInByte) - 1)
	dist[byteIndex] |= randomBytes[0] & lowerMask
	for i := byteIndex + 1; i < len(dist); i++ {
		dist[i] = randomBytes[i-byteIndex]
	}

	return Distance(base, dist)
}
