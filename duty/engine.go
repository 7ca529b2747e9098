// Package duty implements clock-in and clock-out over the duty ledger.
package duty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/178inaba/duty-time-bot/entity"
)

// DefaultLeaderboardLimit is used when Leaderboard is given a non-positive limit.
const DefaultLeaderboardLimit = 10

var (
	ErrAlreadyOnDuty = errors.New("already on duty")
	ErrNotOnDuty     = errors.New("not on duty")
	ErrPersistence   = errors.New("persistence failure")
)

// PersistError reports that a mutation was applied in memory but could not
// be saved.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("save ledger: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func (e *PersistError) Is(target error) bool {
	return target == ErrPersistence
}

// Store loads and saves the whole ledger.
type Store interface {
	Load(ctx context.Context) (entity.Ledger, error)
	Save(ctx context.Context, l entity.Ledger) error
}

type Engine struct {
	mu     sync.Mutex
	ledger entity.Ledger
	store  Store
}

// NewEngine loads the ledger from store. A load failure is logged and the
// engine starts with an empty ledger.
func NewEngine(ctx context.Context, store Store) *Engine {
	l, err := store.Load(ctx)
	if err != nil {
		log.Printf("Load ledger, starting empty: %v.", err)
		l = entity.Ledger{}
	}
	if l == nil {
		l = entity.Ledger{}
	}

	return &Engine{ledger: l, store: store}
}

// ClockIn puts the member on duty at now.
func (e *Engine) ClockIn(ctx context.Context, memberID, name string, now time.Time) (*entity.DutyRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.ledger[memberID]
	if ok && r.IsOnDuty() {
		return nil, ErrAlreadyOnDuty
	}
	if !ok {
		r = &entity.DutyRecord{MemberID: memberID, Seq: e.ledger.NextSeq()}
		e.ledger[memberID] = r
	}

	since := now.Truncate(time.Millisecond)
	r.Name = name
	r.OnDutySince = &since

	if err := e.save(ctx); err != nil {
		return nil, err
	}

	return r.Clone(), nil
}

// ClockOut ends the member's duty period at now and returns the floored
// minutes it lasted.
func (e *Engine) ClockOut(ctx context.Context, memberID string, now time.Time) (int, *entity.DutyRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.ledger[memberID]
	if !ok || !r.IsOnDuty() {
		return 0, nil, ErrNotOnDuty
	}

	elapsed := r.CurrentMinutes(now)
	r.TotalMinutes += elapsed
	r.OnDutySince = nil

	if err := e.save(ctx); err != nil {
		return 0, nil, err
	}

	return elapsed, r.Clone(), nil
}

// Status returns nil if the member has never been recorded.
func (e *Engine) Status(memberID string, now time.Time) *Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.ledger[memberID]
	if !ok {
		return nil
	}

	return &Status{
		Name:           r.Name,
		OnDuty:         r.IsOnDuty(),
		TotalMinutes:   r.TotalMinutes,
		CurrentMinutes: r.CurrentMinutes(now),
		DisplayMinutes: r.DisplayMinutes(now),
	}
}

// OnDuty returns the IDs of members currently on duty in first-seen order.
func (e *Engine) OnDuty() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]*entity.DutyRecord, 0, len(e.ledger))
	for _, r := range e.ledger {
		if r.IsOnDuty() {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.MemberID
	}

	return ids
}

type Status struct {
	Name           string
	OnDuty         bool
	TotalMinutes   int
	CurrentMinutes int
	DisplayMinutes int
}

// Leaderboard ranks members by completed minutes, highest first. Members
// with equal totals keep the order in which they were first recorded. Time
// of a duty period in progress is not counted. It returns nil when the
// ledger is empty.
func (e *Engine) Leaderboard(limit int) []*entity.Rank {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ledger) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}

	records := make([]*entity.DutyRecord, 0, len(e.ledger))
	for _, r := range e.ledger {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TotalMinutes != records[j].TotalMinutes {
			return records[i].TotalMinutes > records[j].TotalMinutes
		}
		if records[i].Seq != records[j].Seq {
			return records[i].Seq < records[j].Seq
		}
		return records[i].MemberID < records[j].MemberID
	})
	if len(records) > limit {
		records = records[:limit]
	}

	ranks := make([]*entity.Rank, len(records))
	for i, r := range records {
		ranks[i] = &entity.Rank{
			Position:     i + 1,
			MemberID:     r.MemberID,
			Name:         r.Name,
			TotalMinutes: r.TotalMinutes,
		}
	}

	return ranks
}

func (e *Engine) save(ctx context.Context) error {
	if err := e.store.Save(ctx, e.ledger); err != nil {
		log.Printf("Save ledger: %v.", err)
		return &PersistError{Err: err}
	}
	return nil
}
