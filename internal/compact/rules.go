package compact

import (
	"strings"
)

// cjkPunct maps fullwidth punctuation to its ASCII form.
var cjkPunct = map[rune]string{
	'，': ", ", '。': ". ", '！': "! ", '？': "? ", '：': ": ", '；': "; ",
	'（': " (", '）': ") ", '「': "\"", '」': "\"", '『': "\"", '』': "\"",
	'、': ", ", '《': "\"", '》': "\"",
}

// shortBulletLen is the cutoff below which adjacent bullets are merged.
const shortBulletLen = 24

// PreCompress applies the lossless-ish rule pipeline to one message: emoji
// and decorative noise go, punctuation and whitespace are normalized, short
// bullets merge, 2-column tables flatten and duplicate lines collapse.
func PreCompress(text string) string {
	text = stripEmoji(text)
	text = normalizePunct(text)

	lines := strings.Split(text, "\n")
	lines = dropDecorative(lines)
	lines = flattenTables(lines)
	lines = mergeShortBullets(lines)
	lines = dedupLines(lines)

	for i, line := range lines {
		lines[i] = collapseSpaces(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	}
	return false
}

func normalizePunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if repl, ok := cjkPunct[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dropDecorative removes lines that are only separator characters.
func dropDecorative(lines []string) []string {
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= 3 && strings.Trim(trimmed, "-=*_~#>· ") == "" {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

// flattenTables rewrites 2-column markdown table rows as "key: value" and
// drops the separator rows.
func flattenTables(lines []string) []string {
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			out = append(out, line)
			continue
		}
		cells := splitCells(trimmed)
		if len(cells) != 2 {
			out = append(out, line)
			continue
		}
		if isSeparatorCell(cells[0]) && isSeparatorCell(cells[1]) {
			continue
		}
		out = append(out, cells[0]+": "+cells[1])
	}
	return out
}

func splitCells(row string) []string {
	row = strings.Trim(row, "|")
	parts := strings.Split(row, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func isSeparatorCell(cell string) bool {
	return cell != "" && strings.Trim(cell, ":- ") == ""
}

// mergeShortBullets joins runs of short bullet lines into one line.
func mergeShortBullets(lines []string) []string {
	var out []string
	var run []string
	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) == 1 {
			out = append(out, "- "+run[0])
		} else {
			out = append(out, "- "+strings.Join(run, "; "))
		}
		run = nil
	}
	for _, line := range lines {
		body, ok := bulletBody(line)
		if ok && len(body) <= shortBulletLen {
			run = append(run, body)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return out
}

func bulletBody(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(trimmed, marker) {
			return strings.TrimSpace(trimmed[len(marker):]), true
		}
	}
	return "", false
}

func dedupLines(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := lines[:0]
	for _, line := range lines {
		key := strings.TrimSpace(line)
		if key != "" && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
