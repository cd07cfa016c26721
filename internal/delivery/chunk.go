// Package delivery turns a body of text into ordered, transport-sized
// WhatsApp messages and sends them with bounded retry.
package delivery

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChunk is the largest chunk, in characters, sent as one message.
const DefaultMaxChunk = 1000

const paragraphSep = "\n\n"

// Chunk is one outbound segment. Sep is the separator that followed the
// segment in the source text; it is not sent.
type Chunk struct {
	Text string
	Sep  string
}

// Join reassembles chunks into the text they were split from.
func Join(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
		b.WriteString(c.Sep)
	}
	return b.String()
}

// Split cuts text into chunks of at most max characters. It prefers paragraph
// boundaries, then sentence ends, then the last space in range, and cuts
// mid-word only when a run of text has no space at all. Cuts never fall
// inside a UTF-8 sequence. The result is never empty.
func Split(text string, max int) []Chunk {
	if max <= 0 {
		max = DefaultMaxChunk
	}
	if utf8.RuneCountInString(text) <= max {
		return []Chunk{{Text: text}}
	}
	return pack(paragraphAtoms(text, max), max)
}

// atom is an indivisible piece no longer than max, with its trailing separator.
type atom struct {
	text string
	sep  string
}

func paragraphAtoms(text string, max int) []atom {
	parts := strings.Split(text, paragraphSep)
	out := make([]atom, 0, len(parts))
	for i, p := range parts {
		sep := paragraphSep
		if i == len(parts)-1 {
			sep = ""
		}
		if utf8.RuneCountInString(p) <= max {
			out = append(out, atom{p, sep})
			continue
		}
		sentences := sentenceAtoms(p, max)
		sentences[len(sentences)-1].sep = sep
		out = append(out, sentences...)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// sentenceAtoms splits a paragraph after every sentence terminator that is
// followed by a space. The space becomes the separator.
func sentenceAtoms(p string, max int) []atom {
	var raw []atom
	start := 0
	for i := 0; i < len(p); {
		r, size := utf8.DecodeRuneInString(p[i:])
		end := i + size
		if isSentenceEnd(r) && end < len(p) && p[end] == ' ' {
			raw = append(raw, atom{p[start:end], " "})
			start = end + 1
			i = start
			continue
		}
		i = end
	}
	raw = append(raw, atom{p[start:], ""})

	out := make([]atom, 0, len(raw))
	for _, a := range raw {
		if utf8.RuneCountInString(a.text) <= max {
			out = append(out, a)
			continue
		}
		pieces := hardAtoms(a.text, max)
		pieces[len(pieces)-1].sep = a.sep
		out = append(out, pieces...)
	}
	return out
}

// hardAtoms cuts s into pieces of at most max runes, at the last space of
// each window when that space is past the window's midpoint.
func hardAtoms(s string, max int) []atom {
	var out []atom
	for utf8.RuneCountInString(s) > max {
		cut := byteOffset(s, max)
		window := s[:cut]
		if sp := strings.LastIndexByte(window, ' '); sp > 0 && utf8.RuneCountInString(window[:sp]) >= max/2 {
			out = append(out, atom{s[:sp], " "})
			s = s[sp+1:]
			continue
		}
		out = append(out, atom{window, ""})
		s = s[cut:]
	}
	return append(out, atom{s, ""})
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// pack greedily merges consecutive atoms while the result fits in max.
func pack(atoms []atom, max int) []Chunk {
	var (
		chunks []Chunk
		cur    strings.Builder
		curLen int
		curSep string
		open   bool
	)
	for _, a := range atoms {
		aLen := utf8.RuneCountInString(a.text)
		if open {
			if curLen+utf8.RuneCountInString(curSep)+aLen <= max {
				cur.WriteString(curSep)
				cur.WriteString(a.text)
				curLen += utf8.RuneCountInString(curSep) + aLen
				curSep = a.sep
				continue
			}
			chunks = append(chunks, Chunk{Text: cur.String(), Sep: curSep})
			cur.Reset()
		}
		cur.WriteString(a.text)
		curLen = aLen
		curSep = a.sep
		open = true
	}
	if open {
		chunks = append(chunks, Chunk{Text: cur.String(), Sep: curSep})
	}
	return chunks
}
