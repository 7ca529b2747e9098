package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/178inaba/duty-time-bot/entity"
)

const fileFormatVersion = 1

type fileLedger struct {
	Version int                   `json:"version"`
	Members map[string]fileRecord `json:"members"`
}

type fileRecord struct {
	Name         string     `json:"name"`
	TotalMinutes int        `json:"total_minutes"`
	OnDutySince  *time.Time `json:"on_duty_since,omitempty"`
	Seq          int        `json:"seq"`
}

// FileLedgerRepository stores the whole ledger as one JSON document.
type FileLedgerRepository struct {
	path string
}

func NewFileLedgerRepository(path string) *FileLedgerRepository {
	return &FileLedgerRepository{path: path}
}

// Load returns an empty ledger if the file does not exist yet. A file
// without a version is read in the legacy format.
func (r *FileLedgerRepository) Load(ctx context.Context) (entity.Ledger, error) {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entity.Ledger{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fl fileLedger
	if err := json.Unmarshal(b, &fl); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	if fl.Version == 0 {
		l, err := loadLegacyLedger(b)
		if err != nil {
			return nil, fmt.Errorf("load legacy ledger: %w", err)
		}
		return l, nil
	}
	if fl.Version > fileFormatVersion {
		return nil, fmt.Errorf("unsupported ledger version %d", fl.Version)
	}

	l := make(entity.Ledger, len(fl.Members))
	for id, fr := range fl.Members {
		if fr.TotalMinutes < 0 {
			return nil, fmt.Errorf("negative total minutes for member %q", id)
		}
		l[id] = &entity.DutyRecord{
			MemberID:     id,
			Name:         fr.Name,
			TotalMinutes: fr.TotalMinutes,
			OnDutySince:  fr.OnDutySince,
			Seq:          fr.Seq,
		}
	}

	return l, nil
}

// legacyRecord is a member of a ledger written before the versioned
// format: an object keyed by member ID with the clock-in instant in Unix
// milliseconds.
type legacyRecord struct {
	Name      string `json:"name"`
	ClockIn   int64  `json:"einstempel"`
	Total     int    `json:"gesamtzeit"`
	ClockedIn bool   `json:"eingestempelt"`
}

// loadLegacyLedger assigns first-seen sequence numbers in document order.
func loadLegacyLedger(b []byte) (entity.Ledger, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	t, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if t != json.Delim('{') {
		return nil, errors.New("ledger is not an object")
	}

	l := entity.Ledger{}
	for seq := 1; dec.More(); seq++ {
		t, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		id, ok := t.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", t)
		}

		var lr legacyRecord
		if err := dec.Decode(&lr); err != nil {
			return nil, fmt.Errorf("decode member %q: %w", id, err)
		}
		if lr.Name == "" {
			return nil, fmt.Errorf("missing name for member %q", id)
		}
		if lr.Total < 0 {
			return nil, fmt.Errorf("negative total minutes for member %q", id)
		}

		rec := &entity.DutyRecord{
			MemberID:     id,
			Name:         lr.Name,
			TotalMinutes: lr.Total,
			Seq:          seq,
		}
		if lr.ClockedIn {
			since := time.UnixMilli(lr.ClockIn)
			rec.OnDutySince = &since
		}
		l[id] = rec
	}

	return l, nil
}

// Save writes the ledger to a temporary file and renames it over the
// previous one, so a crash never leaves a partially written ledger.
func (r *FileLedgerRepository) Save(ctx context.Context, l entity.Ledger) error {
	fl := fileLedger{
		Version: fileFormatVersion,
		Members: make(map[string]fileRecord, len(l)),
	}
	for id, rec := range l {
		fl.Members[id] = fileRecord{
			Name:         rec.Name,
			TotalMinutes: rec.TotalMinutes,
			OnDutySince:  rec.OnDutySince,
			Seq:          rec.Seq,
		}
	}

	b, err := json.MarshalIndent(fl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(r.path)
	f, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}

	return nil
}
