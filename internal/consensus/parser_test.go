package consensus

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rewired-gh/relaypanel/internal/archive/archivetest"
	"github.com/rewired-gh/relaypanel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fpOf(seed byte) models.Fingerprint {
	return models.Fingerprint(archivetest.Fingerprint(archivetest.Identity(seed)))
}

func rLine(nick string, seed byte) string {
	return archivetest.RLine(nick, archivetest.Identity(seed))
}

func TestDecodeIdentity(t *testing.T) {
	id := archivetest.Identity(9)
	padded := base64.StdEncoding.EncodeToString(id)
	unpadded := strings.TrimRight(padded, "=")
	require.NotEqual(t, padded, unpadded)

	for _, in := range []string{padded, unpadded} {
		fp, err := DecodeIdentity(in)
		require.NoError(t, err)
		assert.Equal(t, fpOf(9), fp)
	}
}

func TestDecodeIdentity_IgnoresNonAlphabetCharacters(t *testing.T) {
	unpadded := base64.RawStdEncoding.EncodeToString(archivetest.Identity(9))

	for _, in := range []string{unpadded + "!", "*" + unpadded, unpadded[:10] + "\x00" + unpadded[10:]} {
		fp, err := DecodeIdentity(in)
		require.NoError(t, err, in)
		assert.Equal(t, fpOf(9), fp)
	}
}

func TestDecodeIdentity_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!!notbase64!!!!!!!!!!!"},
		{"too short", base64.RawStdEncoding.EncodeToString([]byte("short"))},
		{"too long", base64.RawStdEncoding.EncodeToString(make([]byte, 32))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeIdentity(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestParse_PairedRelays(t *testing.T) {
	var relays []archivetest.Relay
	want := models.DayMapping{}
	for i := 0; i < 25; i++ {
		seed := byte(i * 7)
		bw := uint64(1000 + i*13)
		relays = append(relays, archivetest.Relay{Nickname: fmt.Sprintf("relay%d", i), Identity: archivetest.Identity(seed), Bandwidth: bw})
		want[fpOf(seed)] = bw
	}

	got, stats := Parse(archivetest.Consensus(relays...))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 25, stats.Relays)
	assert.Equal(t, 25, stats.Weighted)
	assert.Zero(t, stats.Malformed)
	assert.Zero(t, stats.Unpaired)
}

func TestParse_OtherLinesKeepPending(t *testing.T) {
	doc := strings.Join([]string{
		rLine("a", 1),
		"s Fast Running",
		"v Tor 0.4.8.10",
		"pr Cons=1-2 Desc=1-2",
		"w Bandwidth=77 Measured=80",
		"p reject 1-65535",
	}, "\n")

	got, _ := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 77}, got)
}

func TestParse_RelayAtEndOfDocument(t *testing.T) {
	doc := rLine("a", 1) + "\nw Bandwidth=5\n" + rLine("b", 2) + "\ns Running\n"

	got, stats := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 5}, got)
	assert.Equal(t, 1, stats.Unpaired)
}

func TestParse_ConsecutiveRelayLines(t *testing.T) {
	doc := strings.Join([]string{
		rLine("first", 1),
		rLine("second", 2),
		"w Bandwidth=200",
	}, "\n")

	got, stats := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(2): 200}, got)
	assert.Equal(t, 1, stats.Unpaired)
}

func TestParse_WeightLinePairsOnce(t *testing.T) {
	doc := strings.Join([]string{
		rLine("a", 1),
		"w Bandwidth=10",
		"w Bandwidth=20",
	}, "\n")

	got, _ := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 10}, got)
}

func TestParse_WeightWithoutBandwidthClearsPending(t *testing.T) {
	doc := strings.Join([]string{
		rLine("a", 1),
		"w Measured=300 Unmeasured=1",
		"w Bandwidth=99",
	}, "\n")

	got, _ := Parse(doc)
	assert.Empty(t, got)
}

func TestParse_BadBandwidthValues(t *testing.T) {
	tests := []struct {
		name string
		w    string
		want models.DayMapping
	}{
		{"negative", "w Bandwidth=-5", models.DayMapping{}},
		{"not a number", "w Bandwidth=fast", models.DayMapping{}},
		{"empty value", "w Bandwidth=", models.DayMapping{}},
		{"first token decides", "w Bandwidth=abc Bandwidth=7", models.DayMapping{}},
		{"zero", "w Bandwidth=0", models.DayMapping{fpOf(1): 0}},
		{"explicit plus sign", "w Bandwidth=+5", models.DayMapping{fpOf(1): 5}},
		{"sign only", "w Bandwidth=+", models.DayMapping{}},
		{"not first field", "w Unmeasured=1 Bandwidth=42", models.DayMapping{fpOf(1): 42}},
		{"key prefix only", "w BandwidthX=3", models.DayMapping{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Parse(rLine("a", 1) + "\n" + tt.w + "\n")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_MalformedRelayLinesAreSkipped(t *testing.T) {
	doc := strings.Join([]string{
		"r short",
		"w Bandwidth=1",
		"r bad !!!notbase64!!! digest",
		"w Bandwidth=2",
		rLine("good", 3),
		"w Bandwidth=3",
	}, "\n")

	got, stats := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(3): 3}, got)
	assert.Equal(t, 2, stats.Malformed)
	assert.Equal(t, 3, stats.Relays)
}

func TestParse_MalformedRelayClearsEarlierPending(t *testing.T) {
	doc := strings.Join([]string{
		rLine("good", 1),
		"r broken",
		"w Bandwidth=10",
	}, "\n")

	got, _ := Parse(doc)
	assert.Empty(t, got)
}

func TestParse_WeightWithoutRelayIgnored(t *testing.T) {
	got, stats := Parse("w Bandwidth=10\nw Bandwidth=20\n")
	assert.Empty(t, got)
	assert.Zero(t, stats.Weighted)
}

func TestParse_LinePrefixesAreExact(t *testing.T) {
	doc := strings.Join([]string{
		rLine("a", 1),
		"wx Bandwidth=1",
		"rr something",
		"w Bandwidth=8",
	}, "\n")

	got, _ := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 8}, got)
}

func TestParse_CRLFAndBlankLines(t *testing.T) {
	doc := rLine("a", 1) + "\r\n\r\n\nw Bandwidth=12\r\n"

	got, _ := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 12}, got)
}

func TestParse_LoneCarriageReturnEndsLine(t *testing.T) {
	doc := rLine("a", 1) + "\rw Bandwidth=21\r" + rLine("b", 2) + "\r\rw Bandwidth=22"

	got, stats := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 21, fpOf(2): 22}, got)
	assert.Equal(t, 0, stats.Unpaired)
	assert.Equal(t, 4, stats.Lines)
}

func TestParse_IdentityWithTrailingJunk(t *testing.T) {
	line := "r junk " + base64.RawStdEncoding.EncodeToString(archivetest.Identity(3)) + "! digest 2023-01-01 00:00:00 10.0.0.1 9001 0"
	doc := line + "\nw Bandwidth=33\n"

	got, stats := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(3): 33}, got)
	assert.Equal(t, 0, stats.Malformed)
}

func TestParse_DuplicateRelayKeepsLastValue(t *testing.T) {
	doc := strings.Join([]string{
		rLine("a", 1), "w Bandwidth=1",
		rLine("a", 1), "w Bandwidth=2",
	}, "\n")

	got, _ := Parse(doc)
	assert.Equal(t, models.DayMapping{fpOf(1): 2}, got)
}

func TestParse_EmptyDocument(t *testing.T) {
	got, stats := Parse("")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, stats.Lines)
}

func TestParse_KeysAreValidFingerprints(t *testing.T) {
	got, _ := Parse(archivetest.Consensus(
		archivetest.Relay{Nickname: "x", Identity: archivetest.Identity(200), Bandwidth: 1},
		archivetest.Relay{Nickname: "y", Identity: archivetest.Identity(0), Bandwidth: 2},
	))
	require.Len(t, got, 2)
	assert.NoError(t, got.Validate())
}
