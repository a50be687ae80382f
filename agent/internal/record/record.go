package record

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Origin tags whether a record went through the immediate delivery path
// before it reached the backlog.
type Origin string

const (
	OriginOnlineAttempt Origin = "online_attempt"
	OriginOfflineReplay Origin = "offline_replay"
)

// ErrEmptyScan is returned by New when the scan code is blank.
var ErrEmptyScan = errors.New("record: scan code is empty")

// ErrInvalidScan is returned by New when the scan code contains control
// characters such as an embedded line break.
var ErrInvalidScan = errors.New("record: scan code contains control characters")

// Identity is the device metadata supplied by the registration collaborator.
// It is constant for the lifetime of the process.
type Identity struct {
	DeviceID    string
	SiteID      string
	Fingerprint string
}

// Record is one captured scan. Records are values: nothing mutates a Record
// after capture except the rejection marks the queue stores next to it.
type Record struct {
	// ID is the record identity. Removal from the backlog matches on ID,
	// never on ScanCode, because the same barcode can be scanned twice.
	ID         string
	ScanCode   string
	CapturedAt time.Time
	DeviceID   string
	SiteID     string
	// Fingerprint is a best-effort hardware identifier for server-side
	// diagnostics. It can repeat or be empty.
	Fingerprint string
	Origin      Origin

	// RejectedStatus is the HTTP status of a terminal rejection, 0 while
	// the record is still pending.
	RejectedStatus int
	RejectedAt     time.Time
}

// New captures scan at now. Surrounding whitespace is trimmed and the
// timestamp is truncated to the second.
func New(scan string, id Identity, origin Origin, now time.Time) (Record, error) {
	scan = strings.TrimSpace(scan)
	if scan == "" {
		return Record{}, ErrEmptyScan
	}
	if strings.IndexFunc(scan, unicode.IsControl) >= 0 {
		return Record{}, ErrInvalidScan
	}
	return Record{
		ID:          uuid.NewString(),
		ScanCode:    scan,
		CapturedAt:  now.Truncate(time.Second),
		DeviceID:    id.DeviceID,
		SiteID:      id.SiteID,
		Fingerprint: id.Fingerprint,
		Origin:      origin,
	}, nil
}

// Rejected reports whether the endpoint terminally rejected the record.
func (r Record) Rejected() bool { return r.RejectedStatus != 0 }

// IDs returns the identities of recs in order.
func IDs(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

// ParseOrigin maps a stored origin string to an Origin. Unknown or empty
// values (legacy rows) are treated as offline replays.
func ParseOrigin(s string) Origin {
	if Origin(s) == OriginOnlineAttempt {
		return OriginOnlineAttempt
	}
	return OriginOfflineReplay
}
