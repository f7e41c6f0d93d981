package strata

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hupe1980/strata/model"
)

// SessionHandle tracks the last write timestamp of one caller, so
// Session-level searches read their own writes without paying for
// Strong consistency.
type SessionHandle struct {
	id        uuid.UUID
	col       *Collection
	lastWrite atomic.Uint64
}

// NewSession creates a session handle bound to this collection.
func (c *Collection) NewSession() *SessionHandle {
	return &SessionHandle{id: uuid.New(), col: c}
}

// ID returns the session's unique identifier.
func (s *SessionHandle) ID() uuid.UUID { return s.id }

// LastWriteTs returns the timestamp of the session's most recent write,
// or 0 if it has not written yet.
func (s *SessionHandle) LastWriteTs() model.Timestamp {
	return model.Timestamp(s.lastWrite.Load())
}

func (s *SessionHandle) observe(ts model.Timestamp) {
	for {
		cur := s.lastWrite.Load()
		if uint64(ts) <= cur || s.lastWrite.CompareAndSwap(cur, uint64(ts)) {
			return
		}
	}
}

// Insert writes rows through the session, recording the write
// timestamp for later Session-level reads.
func (s *SessionHandle) Insert(ctx context.Context, partition string, rows []model.Row) (model.Timestamp, error) {
	ts, err := s.col.Insert(ctx, partition, rows)
	if err != nil {
		return 0, err
	}

	s.observe(ts)

	return ts, nil
}

// Delete buffers tombstones through the session.
func (s *SessionHandle) Delete(ctx context.Context, pks []model.PrimaryKey) (DeleteResult, error) {
	res, err := s.col.Delete(ctx, pks)
	if err != nil {
		return DeleteResult{}, err
	}

	s.observe(res.Ts)

	return res, nil
}

// Search starts a float vector search that reads the session's own
// writes.
func (s *SessionHandle) Search(data [][]float32) *SearchBuilder {
	return s.col.Search(data).ConsistencyLevel(Session).WithSession(s)
}
