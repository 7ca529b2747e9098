package entity

import "time"

// DutyRecord is the duty time of one member.
// OnDutySince is non-nil iff the member is currently on duty.
type DutyRecord struct {
	MemberID     string     `db:"member_id"`
	Name         string     `db:"name"`
	TotalMinutes int        `db:"total_minutes"`
	OnDutySince  *time.Time `db:"on_duty_since"`
	Seq          int        `db:"seq"`
}

func (r *DutyRecord) IsOnDuty() bool {
	return r.OnDutySince != nil
}

// CurrentMinutes returns the minutes of the duty period in progress at now.
func (r *DutyRecord) CurrentMinutes(now time.Time) int {
	if r.OnDutySince == nil {
		return 0
	}
	return ElapsedMinutes(*r.OnDutySince, now)
}

// DisplayMinutes returns the total including the duty period in progress.
func (r *DutyRecord) DisplayMinutes(now time.Time) int {
	return r.TotalMinutes + r.CurrentMinutes(now)
}

// Clone returns a deep copy of r.
func (r *DutyRecord) Clone() *DutyRecord {
	c := *r
	if r.OnDutySince != nil {
		t := *r.OnDutySince
		c.OnDutySince = &t
	}
	return &c
}

// Ledger maps member IDs to their duty records.
type Ledger map[string]*DutyRecord

// Clone returns a deep copy of l.
func (l Ledger) Clone() Ledger {
	c := make(Ledger, len(l))
	for id, r := range l {
		c[id] = r.Clone()
	}
	return c
}

// NextSeq returns the first-seen sequence number for a new record.
func (l Ledger) NextSeq() int {
	n := 0
	for _, r := range l {
		if r.Seq > n {
			n = r.Seq
		}
	}
	return n + 1
}

// ElapsedMinutes returns the whole minutes between start and now,
// floored at millisecond resolution. A negative span counts as zero.
func ElapsedMinutes(start, now time.Time) int {
	ms := now.UnixMilli() - start.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return int(ms / 60000)
}

// Rank is a leaderboard row.
type Rank struct {
	Position     int
	MemberID     string
	Name         string
	TotalMinutes int
}
