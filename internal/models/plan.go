package models

import (
	"fmt"
	"time"
)

// SyncState is the last known synchronized state of one book for one profile
type SyncState struct {
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	FinishDate  *time.Time `json:"finish_date,omitempty"`
	LastWriteAt time.Time  `json:"last_write_at"`
	Source      Platform   `json:"source"`
	Seeded      bool       `json:"seeded"`
}

// Validate checks a persisted entry for values no writer could have produced
func (s SyncState) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Progress < 0 || s.Progress > 1 || s.Progress != s.Progress {
		return fmt.Errorf("progress %v outside [0,1]", s.Progress)
	}
	return nil
}

// Mode selects how reconciliation treats books with no stored state
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeSeed   Mode = "seed"
)

// OpKind is the kind of a planned write operation
type OpKind string

const (
	OpCreateRead     OpKind = "create_read"
	OpUpdateProgress OpKind = "update_progress"
	OpSkip           OpKind = "skip"
	OpSeedMark       OpKind = "seed_mark"
)

// Skip reasons produced by reconciliation
const (
	ReasonNotFinishedNotSeeded = "not finished, not seeded"
	ReasonSeeded               = "seeded"
	ReasonNoMaterialChange     = "no material change"
	ReasonNoRegression         = "finished book does not regress"
	ReasonSeedRunOnly          = "not seeded, seed runs never write"
)

// BookRef is what the destination needs to locate a book
type BookRef struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn,omitempty"`
}

// WriteOp is one planned decision for one book key
type WriteOp struct {
	Kind       OpKind                   `json:"kind"`
	Profile    Profile                  `json:"profile"`
	BookKey    string                   `json:"book_key"`
	Book       BookRef                  `json:"book"`
	StartDate  *time.Time               `json:"start_date,omitempty"`
	FinishDate *time.Time               `json:"finish_date,omitempty"`
	Fraction   float64                  `json:"fraction,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Record     NormalizedActivityRecord `json:"record"`
}

// IsWrite reports whether the op requires a destination write
func (op WriteOp) IsWrite() bool {
	return op.Kind == OpCreateRead || op.Kind == OpUpdateProgress
}

// Detail renders the op's parameters or skip reason for display
func (op WriteOp) Detail() string {
	switch op.Kind {
	case OpCreateRead:
		start := FormatDate(op.StartDate)
		if start == "" {
			start = "-"
		}
		return fmt.Sprintf("start=%s finish=%s", start, FormatDate(op.FinishDate))
	case OpUpdateProgress:
		return fmt.Sprintf("progress=%.0f%%", op.Fraction*100)
	case OpSeedMark:
		return fmt.Sprintf("finished %s (no destination write)", FormatDate(op.FinishDate))
	default:
		return op.Reason
	}
}

// NewCreateRead plans the destination's terminal "read" write
func NewCreateRead(profile Profile, rec NormalizedActivityRecord, start, finish *time.Time) WriteOp {
	return WriteOp{Kind: OpCreateRead, Profile: profile, BookKey: rec.BookKey, Book: refOf(rec), StartDate: start, FinishDate: finish, Record: rec}
}

// NewUpdateProgress plans a progress update
func NewUpdateProgress(profile Profile, rec NormalizedActivityRecord, fraction float64) WriteOp {
	return WriteOp{Kind: OpUpdateProgress, Profile: profile, BookKey: rec.BookKey, Book: refOf(rec), Fraction: fraction, Record: rec}
}

// NewSkip plans no action for a book, with a reason
func NewSkip(profile Profile, rec NormalizedActivityRecord, reason string) WriteOp {
	return WriteOp{Kind: OpSkip, Profile: profile, BookKey: rec.BookKey, Book: refOf(rec), Reason: reason, Record: rec}
}

// NewSeedMark plans a bootstrap entry without a destination write
func NewSeedMark(profile Profile, rec NormalizedActivityRecord, finish time.Time) WriteOp {
	return WriteOp{Kind: OpSeedMark, Profile: profile, BookKey: rec.BookKey, Book: refOf(rec), FinishDate: &finish, Record: rec}
}

func refOf(rec NormalizedActivityRecord) BookRef {
	return BookRef{Title: rec.Title, Author: rec.Author, ISBN: rec.ISBN}
}

// WritePlan is the ordered, deterministic set of decisions for one run
type WritePlan struct {
	Profile    Profile    `json:"profile"`
	Mode       Mode       `json:"mode"`
	SeedBefore *time.Time `json:"seed_before,omitempty"`
	Ops        []WriteOp  `json:"ops"`
}

// Count returns the number of ops of the given kind
func (p WritePlan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Writes returns the number of ops that require a destination write
func (p WritePlan) Writes() int {
	return p.Count(OpCreateRead) + p.Count(OpUpdateProgress)
}
