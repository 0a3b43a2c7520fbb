package panel

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rewired-gh/relaypanel/internal/models"
)

// Header is the first record of every panel CSV.
var Header = []string{"date", "fingerprint", "relay_bandwidth", "timestamp"}

// WriteCSV writes the header followed by one record per row.
func WriteCSV(w io.Writer, rows []models.OutputRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for i := range rows {
		if err := cw.Write(rows[i].Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the panel's rows to path through a temporary file in the
// same directory, so a failed write leaves no partial output behind.
func WriteFile(path string, p *models.Panel) (int, error) {
	rows := p.Rows()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := WriteCSV(tmp, rows); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write csv: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename file: %w", err)
	}
	return len(rows), nil
}
