// Package consensus reduces a network-status consensus document to a
// fingerprint→bandwidth mapping.
//
// Only two line kinds are consumed. An "r" line carries a relay's base64
// identity as its third token; a following "w" line carries Bandwidth=<int>.
// Parsing is a fold over the lines with two states, idle and pending(fp):
//
//	r line      → pending(fp), or idle if the identity does not decode
//	w line      → insert mapping[fp] if pending and Bandwidth is present; idle
//	other lines → no change
//
// A malformed r line drops that relay from the day and parsing continues.
package consensus

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/rewired-gh/relaypanel/internal/models"
)

const (
	relayPrefix  = "r "
	weightPrefix = "w "
	bandwidthKey = "Bandwidth"

	base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
)

// Stats counts what a parse pass saw. Malformed r lines and relays whose
// pending slot was dropped without a weight line are never errors.
type Stats struct {
	Lines     int
	Relays    int
	Malformed int
	Unpaired  int
	Weighted  int
}

// parseState is the pending-fingerprint slot threaded through the fold.
type parseState struct {
	pending models.Fingerprint
	active  bool
}

func (s parseState) set(fp models.Fingerprint) parseState {
	return parseState{pending: fp, active: true}
}

func (s parseState) clear() parseState {
	return parseState{}
}

// Parse folds the document's lines into a DayMapping. An empty mapping is a
// valid result.
func Parse(text string) (models.DayMapping, Stats) {
	mapping := make(models.DayMapping)
	var stats Stats
	var st parseState

	for len(text) > 0 {
		var line string
		line, text = nextLine(text)
		if line == "" {
			continue
		}
		stats.Lines++
		st = step(st, line, mapping, &stats)
	}

	if st.active {
		stats.Unpaired++
	}
	return mapping, stats
}

// nextLine splits off the first line. "\n", "\r\n" and a lone "\r" all end
// a line.
func nextLine(text string) (line, rest string) {
	i := strings.IndexAny(text, "\r\n")
	if i < 0 {
		return text, ""
	}
	line, rest = text[:i], text[i+1:]
	if text[i] == '\r' && strings.HasPrefix(rest, "\n") {
		rest = rest[1:]
	}
	return line, rest
}

// step applies one line to the state.
func step(st parseState, line string, mapping models.DayMapping, stats *Stats) parseState {
	switch {
	case strings.HasPrefix(line, relayPrefix):
		stats.Relays++
		if st.active {
			stats.Unpaired++
		}
		fp, err := relayFingerprint(line)
		if err != nil {
			stats.Malformed++
			return st.clear()
		}
		return st.set(fp)

	case st.active && strings.HasPrefix(line, weightPrefix):
		if bw, ok := bandwidth(line); ok {
			mapping[st.pending] = bw
			stats.Weighted++
		}
		return st.clear()

	default:
		return st
	}
}

// relayFingerprint extracts the fingerprint from an r line:
// r <nickname> <identity> <digest> <published date> <time> <ip> <orport> <dirport>
func relayFingerprint(line string) (models.Fingerprint, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", fmt.Errorf("relay line has %d fields", len(fields))
	}
	return DecodeIdentity(fields[2])
}

// bandwidth returns the value of the first Bandwidth= token on a w line. A
// value that is not a non-negative integer yields no bandwidth; an explicit
// leading "+" is accepted.
func bandwidth(line string) (uint64, bool) {
	for _, tok := range strings.Fields(line)[1:] {
		key, value, found := strings.Cut(tok, "=")
		if !found || key != bandwidthKey {
			continue
		}
		bw, err := strconv.ParseUint(strings.TrimPrefix(value, "+"), 10, 64)
		if err != nil {
			return 0, false
		}
		return bw, true
	}
	return 0, false
}

// DecodeIdentity converts a base64 identity, padded or not, to a fingerprint.
// Characters outside the base64 alphabet are ignored; the decoded identity
// must still be exactly 20 bytes.
func DecodeIdentity(b64 string) (models.Fingerprint, error) {
	b64 = strings.Map(func(r rune) rune {
		if strings.ContainsRune(base64Alphabet, r) {
			return r
		}
		return -1
	}, strings.TrimRight(b64, "="))
	if pad := len(b64) % 4; pad != 0 {
		b64 += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid identity %q: %w", b64, err)
	}
	return models.FingerprintFromIdentity(raw)
}
