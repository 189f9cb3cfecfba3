package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTTL = 15 * time.Minute
	// settled requests are kept this long for status output
	retention = time.Hour
)

var (
	ErrTokenInvalid  = errors.New("confirmation token is invalid")
	ErrTokenExpired  = errors.New("confirmation token has expired")
	ErrTokenUsed     = errors.New("confirmation token was already used")
	ErrTokenMismatch = errors.New("confirmation token was issued for a different command")
)

// Service issues single-use confirmation tokens bound to one command
// fingerprint.
type Service struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
	mu         sync.Mutex
}

// NewService creates a service. A nil store keeps tokens in memory.
func NewService(store Store) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		store:      store,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Fingerprint identifies one concrete invocation so a token cannot be
// replayed for a different command.
func Fingerprint(target, args string) string {
	sum := sha256.Sum256([]byte(target + "\x00" + args))
	return hex.EncodeToString(sum[:])
}

// Issue records a pending confirmation and returns its token.
func (s *Service) Issue(input IssueInput) (Request, error) {
	target := strings.TrimSpace(input.Target)
	if target == "" {
		return Request{}, fmt.Errorf("target is required")
	}
	if input.Fingerprint == "" {
		return Request{}, fmt.Errorf("fingerprint is required")
	}

	now := s.now().UTC()
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}

	request := Request{
		Token:       uuid.NewString(),
		Target:      target,
		Fingerprint: input.Fingerprint,
		Prompt:      strings.TrimSpace(input.Prompt),
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	data.Requests = append(prune(data.Requests, now), request)

	if err := s.store.Save(data); err != nil {
		return Request{}, err
	}
	return request, nil
}

// Redeem consumes a pending token for the given fingerprint. A token can be
// redeemed once.
func (s *Service) Redeem(token, fingerprint string) (Request, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Request{}, ErrTokenInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}

	now := s.now().UTC()
	for i := range data.Requests {
		req := &data.Requests[i]
		if req.Token != token {
			continue
		}
		switch req.Status {
		case StatusRedeemed:
			return Request{}, ErrTokenUsed
		case StatusExpired:
			return Request{}, ErrTokenExpired
		case StatusRejected:
			return Request{}, ErrTokenInvalid
		}
		if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now) {
			req.Status = StatusExpired
			req.SettledAt = now
			if err := s.store.Save(data); err != nil {
				return Request{}, err
			}
			return Request{}, ErrTokenExpired
		}
		if req.Fingerprint != fingerprint {
			return Request{}, ErrTokenMismatch
		}

		req.Status = StatusRedeemed
		req.SettledAt = now
		if err := s.store.Save(data); err != nil {
			return Request{}, err
		}
		return *req, nil
	}
	return Request{}, ErrTokenInvalid
}

// Reject cancels a pending token.
func (s *Service) Reject(token string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return Request{}, err
	}
	for i := range data.Requests {
		req := &data.Requests[i]
		if req.Token != strings.TrimSpace(token) {
			continue
		}
		if req.Status != StatusPending {
			return Request{}, fmt.Errorf("confirmation %s is not pending", token)
		}
		req.Status = StatusRejected
		req.SettledAt = s.now().UTC()
		if err := s.store.Save(data); err != nil {
			return Request{}, err
		}
		return *req, nil
	}
	return Request{}, ErrTokenInvalid
}

// List returns requests filtered by query values.
func (s *Service) List(query Query) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	result := make([]Request, 0, len(data.Requests))
	for _, req := range data.Requests {
		if query.Token != "" && req.Token != query.Token {
			continue
		}
		if query.Status != "" && req.Status != query.Status {
			continue
		}
		if query.Target != "" && !strings.EqualFold(req.Target, query.Target) {
			continue
		}
		result = append(result, req)
	}
	return result, nil
}

// ExpirePending marks pending requests as expired when TTL has elapsed.
func (s *Service) ExpirePending() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	expired := make([]Request, 0)
	for i := range data.Requests {
		req := &data.Requests[i]
		if req.Status != StatusPending || req.ExpiresAt.IsZero() || req.ExpiresAt.After(now) {
			continue
		}
		req.Status = StatusExpired
		req.SettledAt = now
		expired = append(expired, *req)
	}

	if len(expired) > 0 {
		if err := s.store.Save(data); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// prune drops settled requests older than the retention window.
func prune(requests []Request, now time.Time) []Request {
	out := requests[:0]
	for _, req := range requests {
		if req.Status != StatusPending && !req.SettledAt.IsZero() && now.Sub(req.SettledAt) > retention {
			continue
		}
		out = append(out, req)
	}
	return out
}
