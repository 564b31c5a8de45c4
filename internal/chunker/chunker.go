// Package chunker splits long agent responses into transport-sized pieces,
// building chunks by appending whole lines until the next line would
// overflow the limit, hard-splitting any single line that alone exceeds
// it, and prefixing every chunk after the first with "(k/N) ".
package chunker

import "fmt"

// Chunk splits text into pieces no longer than limit bytes each. A single
// line longer than limit is itself hard-split at the byte boundary. Chunks
// after the first are prefixed with "(k/N) "; the prefix is accounted for
// when packing so every returned chunk still respects limit.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	if len(text) <= limit {
		return []string{text}
	}

	raw := pack(text, limit, 0)
	n := len(raw)
	if n <= 1 {
		return raw
	}

	// Reserve room for the "(k/N) " prefix on every chunk but the first,
	// then repack; repacking can only grow N (never shrink), and growing N
	// can only widen the prefix by a digit, so this converges in a couple
	// of iterations.
	for i := 0; i < 4; i++ {
		prefixWidth := len(fmt.Sprintf("(%d/%d) ", n, n))
		repacked := packWithFirstUnreserved(text, limit, prefixWidth)
		if len(repacked) == n {
			raw = repacked
			break
		}
		n = len(repacked)
		raw = repacked
	}

	out := make([]string, len(raw))
	for i, chunk := range raw {
		if i == 0 {
			out[i] = chunk
			continue
		}
		out[i] = fmt.Sprintf("(%d/%d) %s", i+1, len(raw), chunk)
	}
	return out
}

// pack greedily builds chunks of at most limit-reserve bytes each by
// appending whole lines, hard-splitting any line that alone exceeds the
// budget.
func pack(text string, limit, reserve int) []string {
	return packWithFirstUnreserved(text, limit, reserve)
}

// packWithFirstUnreserved packs text into chunks where the first chunk may
// use the full limit but subsequent chunks must leave room for a
// "(k/N) "-style prefix of reserve bytes.
func packWithFirstUnreserved(text string, limit, reserve int) []string {
	lines := splitLinesKeepingSeparators(text)

	var chunks []string
	var cur []byte

	budget := func(isFirst bool) int {
		if isFirst {
			return limit
		}
		return limit - reserve
	}

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = nil
		}
	}

	for _, line := range lines {
		isFirst := len(chunks) == 0
		b := budget(isFirst)

		for len(line) > 0 {
			isFirst = len(chunks) == 0
			b = budget(isFirst)

			if len(cur)+len(line) <= b {
				cur = append(cur, line...)
				line = ""
				continue
			}

			// The line doesn't fit in what's left of the current chunk.
			remaining := b - len(cur)
			if remaining > 0 && len(cur) > 0 {
				// Try to take as much of the line as fits; prefer not to
				// split mid-line if the whole line would fit in a fresh
				// chunk.
				if len(line) <= b {
					flush()
					continue
				}
				cur = append(cur, line[:remaining]...)
				line = line[remaining:]
				flush()
				continue
			}

			// Starting a fresh chunk and the line itself is longer than the
			// per-chunk budget: hard split at the byte boundary.
			if len(cur) == 0 && len(line) > b {
				cur = append(cur, line[:b]...)
				line = line[b:]
				flush()
				continue
			}

			flush()
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// splitLinesKeepingSeparators splits text on "\n" but keeps the newline
// attached to the preceding line, so re-joining chunks reconstructs the
// original text exactly.
func splitLinesKeepingSeparators(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
