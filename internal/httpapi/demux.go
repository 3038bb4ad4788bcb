package httpapi

import "strings"

// Thought boundary markers scanned in the raw content stream when the model
// has no dedicated reasoning channel.
var (
	thinkStartMarkers = []string{"<think>", "【咨询解析】", "## 思考过程", "关键实体"}
	thinkEndMarkers   = []string{"</think>", "【综合解答】", "## 最终答案"}
)

// demuxFlushAt is the rough buffer size, in runes, at which unclassified text
// is flushed downstream.
const demuxFlushAt = 48

// demux splits a token stream into CONTENT and THINK events. It is a two
// state machine: outside a thought block text is CONTENT, inside it is THINK.
// When thinking mode is off, THINK text is dropped, never re-tagged.
type demux struct {
	emit     func(tag, payload string) error
	thinking bool
	inThink  bool
	buf      []rune
}

func newDemux(thinking bool, emit func(tag, payload string) error) *demux {
	return &demux{emit: emit, thinking: thinking}
}

// FeedReasoning handles deltas from a dedicated reasoning channel; no marker
// scanning needed.
func (d *demux) FeedReasoning(chunk string) error {
	if chunk == "" || !d.thinking {
		return nil
	}
	return d.emit(TagThink, chunk)
}

// FeedContent appends a content delta and classifies as much of the buffer as
// can be decided.
func (d *demux) FeedContent(chunk string) error {
	if chunk == "" {
		return nil
	}
	d.buf = append(d.buf, []rune(chunk)...)
	return d.drain(false)
}

// Finish flushes whatever is still buffered at stream end.
func (d *demux) Finish() error {
	return d.drain(true)
}

func (d *demux) drain(final bool) error {
	for {
		markers := thinkStartMarkers
		if d.inThink {
			markers = thinkEndMarkers
		}
		idx, mlen := findEarliest(d.buf, markers)
		if idx >= 0 {
			if err := d.flush(d.buf[:idx]); err != nil {
				return err
			}
			d.buf = d.buf[idx+mlen:]
			d.inThink = !d.inThink
			continue
		}

		// No marker found. Hold back enough runes that a marker split across
		// chunks can still be detected.
		hold := maxMarkerLen(markers) - 1
		if final {
			hold = 0
		}
		if len(d.buf) > demuxFlushAt || (final && len(d.buf) > 0) {
			cut := len(d.buf) - hold
			// Keep trailing backticks buffered so a code fence split across
			// deltas is still stripped as one unit.
			if !final {
				for cut > 0 && d.buf[cut-1] == '`' {
					cut--
				}
			}
			if cut <= 0 {
				return nil
			}
			if err := d.flush(d.buf[:cut]); err != nil {
				return err
			}
			d.buf = d.buf[cut:]
		}
		return nil
	}
}

func (d *demux) flush(text []rune) error {
	if len(text) == 0 {
		return nil
	}
	if d.inThink {
		if !d.thinking {
			return nil
		}
		return d.emit(TagThink, string(text))
	}
	// Fenced code markers confuse the UI renderer; strip them from answers.
	payload := strings.ReplaceAll(string(text), "```", "")
	if payload == "" {
		return nil
	}
	return d.emit(TagContent, payload)
}

// findEarliest returns the rune index and rune length of the first marker
// occurring in buf, or (-1, 0).
func findEarliest(buf []rune, markers []string) (int, int) {
	s := string(buf)
	best, bestLen := -1, 0
	for _, m := range markers {
		if i := strings.Index(s, m); i >= 0 {
			ri := len([]rune(s[:i]))
			if best < 0 || ri < best {
				best, bestLen = ri, len([]rune(m))
			}
		}
	}
	return best, bestLen
}

func maxMarkerLen(markers []string) int {
	max := 0
	for _, m := range markers {
		if n := len([]rune(m)); n > max {
			max = n
		}
	}
	return max
}
