package threading

// maxCompareRunes bounds the cubic common-substring search.
const maxCompareRunes = 256

// Similarity returns 2*common/(len(a)+len(b)), where common is the number of
// characters shared by recursively matching the longest common substring on
// each side (the similar_text measure). Identical strings score 1.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > maxCompareRunes {
		ra = ra[:maxCompareRunes]
	}
	if len(rb) > maxCompareRunes {
		rb = rb[:maxCompareRunes]
	}
	total := len(ra) + len(rb)
	if total == 0 {
		return 0
	}
	return float64(2*commonChars(ra, rb)) / float64(total)
}

func commonChars(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	posA, posB, longest := 0, 0, 0
	for i := range a {
		for j := range b {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > longest {
				posA, posB, longest = i, j, k
			}
		}
	}
	if longest == 0 {
		return 0
	}
	return longest +
		commonChars(a[:posA], b[:posB]) +
		commonChars(a[posA+longest:], b[posB+longest:])
}
