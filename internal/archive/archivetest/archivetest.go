// Package archivetest fabricates monthly consensus archives for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Entry is one file in a fabricated archive.
type Entry struct {
	Name string
	Data []byte
}

// Relay is one status entry in a fabricated consensus.
type Relay struct {
	Nickname  string
	Identity  []byte
	Bandwidth uint64
}

// Identity returns a deterministic 20-byte identity derived from seed.
func Identity(seed byte) []byte {
	id := make([]byte, 20)
	for i := range id {
		id[i] = seed + byte(i)
	}
	return id
}

// Fingerprint returns the uppercase hex fingerprint for an identity.
func Fingerprint(identity []byte) string {
	return fmt.Sprintf("%X", identity)
}

// EntryName returns the canonical uncompressed entry name for a date and hour.
func EntryName(date string, hour int) string {
	return fmt.Sprintf("%s-%02d-00-00-consensus", date, hour)
}

// RLine renders a relay-descriptor line with an unpadded base64 identity.
func RLine(nickname string, identity []byte) string {
	id := strings.TrimRight(base64.StdEncoding.EncodeToString(identity), "=")
	return fmt.Sprintf("r %s %s AAAAAAAAAAAAAAAAAAAAAAAAAAA 2023-01-01 00:00:00 192.0.2.1 9001 0", nickname, id)
}

// Consensus renders a minimal consensus document listing relays in order,
// each with an s line between its r and w lines.
func Consensus(relays ...Relay) string {
	var b strings.Builder
	b.WriteString("network-status-version 3\n")
	b.WriteString("vote-status consensus\n")
	b.WriteString("known-flags Fast Guard Running Stable Valid\n")
	for _, r := range relays {
		b.WriteString(RLine(r.Nickname, r.Identity) + "\n")
		b.WriteString("s Fast Running Stable Valid\n")
		b.WriteString("v Tor 0.4.8.10\n")
		fmt.Fprintf(&b, "w Bandwidth=%d\n", r.Bandwidth)
	}
	b.WriteString("directory-footer\n")
	return b.String()
}

// XZ compresses data with xz.
func XZ(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TarXZ builds an xz-compressed tar archive. Directory headers are emitted
// for every parent path so the layout resembles real monthly bundles.
func TarXZ(entries ...Entry) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	modTime := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)

	seenDirs := make(map[string]bool)
	for _, e := range entries {
		parts := strings.Split(e.Name, "/")
		for i := 1; i < len(parts); i++ {
			dir := strings.Join(parts[:i], "/") + "/"
			if seenDirs[dir] {
				continue
			}
			seenDirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime}); err != nil {
				return nil, err
			}
		}

		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(e.Data)),
			ModTime:  modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return XZ(tarBuf.Bytes())
}

// MonthArchive builds a bundle holding one uncompressed consensus per listed
// date at the given hour, under the consensuses-YYYY-MM/DD/ layout.
func MonthArchive(hour int, docs map[string]string) ([]byte, error) {
	var entries []Entry
	for date, text := range docs {
		if len(date) != len("2006-01-02") {
			return nil, fmt.Errorf("bad date %q", date)
		}
		name := fmt.Sprintf("consensuses-%s/%s/%s", date[:7], date[8:], EntryName(date, hour))
		entries = append(entries, Entry{Name: name, Data: []byte(text)})
	}
	return TarXZ(entries...)
}
