package queue

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scanagent/scanagent/agent/internal/record"
)

// Column names written to the backlog header, in order.
const (
	colID             = "id"
	colCapturedAt     = "captured_at"
	colDeviceID       = "device_id"
	colSiteID         = "site_id"
	colScanCode       = "scan_code"
	colFingerprint    = "device_fingerprint"
	colOrigin         = "origin"
	colRejectedStatus = "rejected_status"
	colRejectedAt     = "rejected_at"
)

// tempInfix marks rewrite temp files next to the backlog.
const tempInfix = ".tmp-"

// legacyLayout is the timestamp format of backlog files written by the
// first generation of devices.
const legacyLayout = "2006-01-02 15:04:05"

var columns = []string{
	colID, colCapturedAt, colDeviceID, colSiteID, colScanCode,
	colFingerprint, colOrigin, colRejectedStatus, colRejectedAt,
}

var headerLine = strings.Join(columns, ",")

// legacyAliases maps column names of older backlog files to current ones.
var legacyAliases = map[string]string{
	"timestamp":    colCapturedAt,
	"raspberry_id": colDeviceID,
	"codigobarras": colScanCode,
	"filial_id":    colSiteID,
	"mac_address":  colFingerprint,
}

func writeHeader(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func writeRows(w io.Writer, recs []record.Record) error {
	cw := csv.NewWriter(w)
	for _, r := range recs {
		if err := cw.Write(encodeRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeRow(r record.Record) []string {
	var status, rejectedAt string
	if r.Rejected() {
		status = strconv.Itoa(r.RejectedStatus)
		rejectedAt = r.RejectedAt.Format(time.RFC3339)
	}
	return []string{
		r.ID,
		r.CapturedAt.Format(time.RFC3339),
		r.DeviceID,
		r.SiteID,
		r.ScanCode,
		r.Fingerprint,
		string(r.Origin),
		status,
		rejectedAt,
	}
}

// decode parses a backlog file. Columns are resolved by name so files with
// extra or reordered columns stay readable. legacy is true when the file had
// no id column and fresh identities were assigned. torn is true when the
// last record was an unterminated quoted field and has been left out.
func decode(data []byte) (recs []record.Record, legacy, torn bool, err error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, false, nil
	}

	cr := csv.NewReader(bytes.NewReader(data))
	// Legacy writers appended rows wider than their header.
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, false, false, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if alias, ok := legacyAliases[name]; ok {
			name = alias
		}
		idx[name] = i
	}
	if _, ok := idx[colScanCode]; !ok {
		return nil, false, false, errors.New("header has no scan_code column")
	}
	if _, ok := idx[colCapturedAt]; !ok {
		return nil, false, false, errors.New("header has no captured_at column")
	}
	_, hasID := idx[colID]

	field := func(row []string, name string) string {
		if i, ok := idx[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrQuote) && cr.InputOffset() == int64(len(data)) {
			// A quoted field that runs to the end of the file is an append
			// cut short after a line break inside the field.
			torn = true
			break
		}
		if err != nil {
			return nil, false, false, err
		}

		rec := record.Record{
			ID:          field(row, colID),
			ScanCode:    field(row, colScanCode),
			DeviceID:    field(row, colDeviceID),
			SiteID:      field(row, colSiteID),
			Fingerprint: field(row, colFingerprint),
			Origin:      record.ParseOrigin(field(row, colOrigin)),
		}
		if !hasID {
			rec.ID = uuid.NewString()
		}
		if rec.ID == "" {
			return nil, false, false, fmt.Errorf("line %d: empty id", line)
		}
		if rec.CapturedAt, err = parseTime(field(row, colCapturedAt)); err != nil {
			return nil, false, false, fmt.Errorf("line %d: captured_at: %w", line, err)
		}
		if s := field(row, colRejectedStatus); s != "" {
			if rec.RejectedStatus, err = strconv.Atoi(s); err != nil {
				return nil, false, false, fmt.Errorf("line %d: rejected_status: %w", line, err)
			}
			rec.RejectedAt, _ = parseTime(field(row, colRejectedAt))
		}
		recs = append(recs, rec)
	}
	return recs, !hasID, torn, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyLayout, s, time.Local)
}
