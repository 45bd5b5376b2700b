package approvals

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-approval-agent/internal/constants"
	"github.com/quantumauth-io/wallet-approval-agent/internal/storage"
)

// Store persists the two approval tables. Transaction requests live in durable
// storage; pre-approvals live in session storage and disappear on lock.
//
// Nothing is cached: every call reads the current table. Writes are
// read-modify-write of the whole table under a process-local mutex; there is
// no atomicity with other processes sharing the backend.
type Store struct {
	durable storage.KV
	session storage.KV

	maxPreapprovals int

	mu sync.Mutex
}

func NewStore(durable, session storage.KV, maxPreapprovals int) *Store {
	if maxPreapprovals <= 0 {
		maxPreapprovals = constants.DefaultMaxPreapprovals
	}
	return &Store{
		durable:         durable,
		session:         session,
		maxPreapprovals: maxPreapprovals,
	}
}

// TransactionRequests returns every stored transaction request, oldest first.
// An uninitialized table is empty.
func (s *Store) TransactionRequests(ctx context.Context) (*Ordered[*TransactionApprovalRequest], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTransactions(ctx)
}

func (s *Store) TransactionRequest(ctx context.Context, id string) (*TransactionApprovalRequest, error) {
	all, err := s.TransactionRequests(ctx)
	if err != nil {
		return nil, err
	}
	req, ok := all.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrRequestNotFound, "transaction request %s", id)
	}
	return req, nil
}

func (s *Store) PutTransactionRequest(ctx context.Context, req *TransactionApprovalRequest) error {
	if req == nil || req.ID == "" {
		return errors.New("transaction request without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadTransactions(ctx)
	if err != nil {
		return err
	}
	all.Set(req.ID, req)
	return s.save(ctx, s.durable, constants.TransactionRequestsKey, all)
}

// DeleteTransactionRequest is a no-op when id is absent.
func (s *Store) DeleteTransactionRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadTransactions(ctx)
	if err != nil {
		return err
	}
	if !all.Delete(id) {
		return nil
	}
	return s.save(ctx, s.durable, constants.TransactionRequestsKey, all)
}

// PreapprovalRequests returns every grant, oldest first. A missing, locked or
// unreadable table reads as empty.
func (s *Store) PreapprovalRequests(ctx context.Context) *Ordered[*PreapprovalRequest] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPreapprovals(ctx)
}

func (s *Store) PreapprovalRequest(ctx context.Context, id string) (*PreapprovalRequest, error) {
	req, ok := s.PreapprovalRequests(ctx).Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrRequestNotFound, "preapproval request %s", id)
	}
	return req, nil
}

// PutPreapprovalRequest upserts req. Before a new id is inserted, the oldest
// entries are evicted so the table holds at most maxPreapprovals.
func (s *Store) PutPreapprovalRequest(ctx context.Context, req *PreapprovalRequest) error {
	if req == nil || req.ID == "" {
		return errors.New("preapproval request without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadPreapprovals(ctx)
	if _, exists := all.Get(req.ID); !exists {
		for all.Len() >= s.maxPreapprovals {
			oldest, _ := all.Oldest()
			all.Delete(oldest)
			log.Info("preapproval evicted", "request_id", oldest, "cap", s.maxPreapprovals)
		}
	}
	all.Set(req.ID, req)
	return s.save(ctx, s.session, constants.PreapprovalRequestsKey, all)
}

// UpdatePreapprovalRequest applies fn to the stored grant with the given id
// and writes the result back, or deletes the grant when fn returns false. A
// grant that is already gone is left alone and found is false.
func (s *Store) UpdatePreapprovalRequest(ctx context.Context, id string, fn func(*PreapprovalRequest) bool) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadPreapprovals(ctx)
	req, ok := all.Get(id)
	if !ok || req == nil {
		return false, nil
	}
	if fn(req) {
		all.Set(id, req)
	} else {
		all.Delete(id)
	}
	return true, s.save(ctx, s.session, constants.PreapprovalRequestsKey, all)
}

func (s *Store) DeletePreapprovalRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadPreapprovals(ctx)
	if !all.Delete(id) {
		return nil
	}
	return s.save(ctx, s.session, constants.PreapprovalRequestsKey, all)
}

func (s *Store) loadTransactions(ctx context.Context) (*Ordered[*TransactionApprovalRequest], error) {
	out := NewOrdered[*TransactionApprovalRequest]()
	b, err := s.durable.Get(ctx, constants.TransactionRequestsKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, nil
		}
		return nil, errors.Wrap(err, "read transaction requests")
	}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, errors.Wrap(err, "decode transaction requests")
	}
	return out, nil
}

func (s *Store) loadPreapprovals(ctx context.Context) *Ordered[*PreapprovalRequest] {
	out := NewOrdered[*PreapprovalRequest]()
	b, err := s.session.Get(ctx, constants.PreapprovalRequestsKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrLocked) {
			log.Warn("read preapproval requests failed, treating as empty", "error", err)
		}
		return out
	}
	if err := json.Unmarshal(b, out); err != nil {
		log.Warn("preapproval requests unreadable, treating as empty", "error", err)
		return NewOrdered[*PreapprovalRequest]()
	}
	return out
}

func (s *Store) save(ctx context.Context, kv storage.KV, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	if err := kv.Put(ctx, key, b); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}
