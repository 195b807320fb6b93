package registry

// similarityRatio computes a Ratcliff/Obershelp-style sequence-matcher
// ratio: 2 * M / T, where M is the total length of matching blocks found
// by recursively taking the longest common substring of the two strings,
// and T is the sum of both string lengths. This mirrors the common
// "SequenceMatcher.ratio()" algorithm the spec names explicitly; no
// library in the example pack wraps it, so it is implemented directly
// (see DESIGN.md).
func similarityRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	matches := matchingBlockLength([]rune(a), []rune(b))
	return 2 * float64(matches) / float64(len([]rune(a))+len([]rune(b)))
}

// matchingBlockLength recursively sums the lengths of the longest common
// substring between a and b, then the same for the left and right
// remainders split around that substring.
func matchingBlockLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	aStart, bStart, length := longestCommonSubstring(a, b)
	if length == 0 {
		return 0
	}

	left := matchingBlockLength(a[:aStart], b[:bStart])
	right := matchingBlockLength(a[aStart+length:], b[bStart+length:])
	return left + length + right
}

// longestCommonSubstring finds the longest contiguous run shared by a and
// b, returning its start index in each and its length. Ties prefer the
// earliest match in a, then in b, matching Python's difflib behavior.
func longestCommonSubstring(a, b []rune) (aStart, bStart, length int) {
	// table[i][j] = length of the common suffix of a[:i] and b[:j].
	table := make([][]int, len(a)+1)
	for i := range table {
		table[i] = make([]int, len(b)+1)
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				continue
			}
			table[i][j] = table[i-1][j-1] + 1
			if table[i][j] > length {
				length = table[i][j]
				aStart = i - length
				bStart = j - length
			}
		}
	}

	return aStart, bStart, length
}
