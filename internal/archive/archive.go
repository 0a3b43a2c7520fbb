// Package archive locates and decompresses a single consensus document
// inside a monthly tar.xz bundle.
//
// Entries are matched on their base file name:
//
//	[consensuses-]YYYY-MM-DD-HH-00-00[-00]-consensus[.xz|.bz2]
//
// The first matching regular file wins. Its payload is decompressed according
// to its extension and decoded as UTF-8, with undecodable bytes replaced by
// U+FFFD rather than failing.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/rewired-gh/relaypanel/internal/models"
	"github.com/ulikunitz/xz"
	"golang.org/x/text/encoding/unicode"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("consensus not found in archive")

// NotFoundError reports that no archive entry matched the requested date and hour.
type NotFoundError struct {
	Date   string
	Hour   int
	Source string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("consensus for %s %02d:00 not found in %s (tried %s-%02d-00-00[-00]-consensus[.xz|.bz2])",
		e.Date, e.Hour, e.Source, e.Date, e.Hour)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Document is the decoded text of one consensus entry.
type Document struct {
	Name string
	Day  models.CalendarDay
	Hour int
	Text string
}

// EntryPattern returns the expression an entry's base name must match for the given date and hour.
func EntryPattern(date string, hour int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^(?:consensuses-)?%s-%s-00-00(?:-00)?-consensus(?:\.(?:xz|bz2))?$`,
		regexp.QuoteMeta(date), regexp.QuoteMeta(fmt.Sprintf("%02d", hour))))
}

// Extract finds the entry for day and hour in an xz-compressed tar archive.
// source only appears in diagnostics.
func Extract(data []byte, day models.CalendarDay, hour int, source string) (*Document, error) {
	xr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xz stream of %s: %w", source, err)
	}

	date := day.String()
	pat := EntryPattern(date, hour)

	tr := tar.NewReader(xr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive %s: %w", source, err)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Base(h.Name)
		if !pat.MatchString(name) {
			continue
		}

		text, err := readEntry(name, tr)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s from %s: %w", name, source, err)
		}
		return &Document{Name: name, Day: day, Hour: hour, Text: text}, nil
	}

	return nil, &NotFoundError{Date: date, Hour: hour, Source: source}
}

// readEntry decompresses an entry according to its extension and decodes it as text.
func readEntry(name string, r io.Reader) (string, error) {
	switch {
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return "", err
		}
		r = xr
	case strings.HasSuffix(name, ".bz2"):
		r = bzip2.NewReader(r)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return DecodeText(raw)
}

// DecodeText decodes UTF-8, substituting U+FFFD for invalid byte sequences.
func DecodeText(raw []byte) (string, error) {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode text: %w", err)
	}
	return string(decoded), nil
}
