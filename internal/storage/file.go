package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/internal/crosspost"
	"crosspost/internal/messaging"
	logx "crosspost/pkg/logx"
)

// fileStore keeps every table in memory and persists them as one JSON
// snapshot after each mutation.
//
// Files:
//   - <prefix>.state.json      (snapshot, replaced via tmp + rename)
//   - <prefix>.outcomes.jsonl  (append-only audit trail)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath    string
	outcomesFile *os.File
	state        fileState
	closed       bool
}

type outboxRow struct {
	messaging.Envelope
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type fileState struct {
	Settings    map[string]crosspost.Settings   `json:"settings"`
	Tenants     map[string]messaging.Tenant     `json:"tenants"`
	Subscribers map[string]messaging.Subscriber `json:"subscribers"`
	Outbox      []*outboxRow                    `json:"outbox"`
	Counters    map[string]int                  `json:"counters"`
}

func (s *fileState) init() {
	if s.Settings == nil {
		s.Settings = map[string]crosspost.Settings{}
	}
	if s.Tenants == nil {
		s.Tenants = map[string]messaging.Tenant{}
	}
	if s.Subscribers == nil {
		s.Subscribers = map[string]messaging.Subscriber{}
	}
	if s.Counters == nil {
		s.Counters = map[string]int{}
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{log: log, statePath: prefix + ".state.json"}
	if err := loadState(st.statePath, &st.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st.state.init()

	of, err := os.OpenFile(prefix+".outcomes.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st.outcomesFile = of
	return st, nil
}

func loadState(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.outcomesFile != nil {
		err := s.outcomesFile.Close()
		s.outcomesFile = nil
		return err
	}
	return nil
}

// update runs fn under the lock and persists the snapshot when fn
// changed something.
func (s *fileStore) update(fn func(st *fileState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	changed, err := fn(&s.state)
	if err != nil || !changed {
		return err
	}
	return s.persistLocked()
}

func (s *fileStore) view(fn func(st *fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn(&s.state)
	return nil
}

func (s *fileStore) persistLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) ListSettings(_ context.Context, tenantID string) ([]crosspost.Settings, error) {
	var out []crosspost.Settings
	err := s.view(func(st *fileState) {
		for _, v := range st.Settings {
			if v.TenantID == tenantID {
				out = append(out, v.Clone())
			}
		}
	})
	sortSettings(out)
	return out, err
}

func (s *fileStore) AllSettings(_ context.Context) ([]crosspost.Settings, error) {
	var out []crosspost.Settings
	err := s.view(func(st *fileState) {
		for _, v := range st.Settings {
			out = append(out, v.Clone())
		}
	})
	sortSettings(out)
	return out, err
}

func sortSettings(v []crosspost.Settings) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].TenantID != v[j].TenantID {
			return v[i].TenantID < v[j].TenantID
		}
		return v[i].Channel < v[j].Channel
	})
}

func (s *fileStore) GetSettings(_ context.Context, tenantID string, ch crosspost.Channel) (crosspost.Settings, bool, error) {
	var (
		out crosspost.Settings
		ok  bool
	)
	err := s.view(func(st *fileState) {
		out, ok = st.Settings[settingsKey(tenantID, ch)]
		out = out.Clone()
	})
	return out, ok, err
}

func (s *fileStore) PutSettings(_ context.Context, v crosspost.Settings) error {
	if v.TenantID == "" || v.Channel == "" {
		return errors.New("settings need a tenant and a channel")
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	return s.update(func(st *fileState) (bool, error) {
		st.Settings[settingsKey(v.TenantID, v.Channel)] = v.Clone()
		return true, nil
	})
}

func (s *fileStore) SaveToken(_ context.Context, tenantID string, ch crosspost.Channel, tok crosspost.TokenState) error {
	return s.update(func(st *fileState) (bool, error) {
		key := settingsKey(tenantID, ch)
		cur, ok := st.Settings[key]
		if !ok {
			cur = crosspost.Settings{TenantID: tenantID, Channel: ch}
		}
		t := tok
		cur.Token = &t
		cur.UpdatedAt = time.Now()
		st.Settings[key] = cur
		return true, nil
	})
}

func (s *fileStore) PutTenant(_ context.Context, t messaging.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	t.Code = messaging.NormalizeCode(t.Code)
	t.WhatsAppEnabled = false
	return s.update(func(st *fileState) (bool, error) {
		st.Tenants[t.ID] = t
		return true, nil
	})
}

func (s *fileStore) ResolveTenant(_ context.Context, code string) (messaging.Tenant, bool, error) {
	code = messaging.NormalizeCode(code)
	var (
		out messaging.Tenant
		ok  bool
	)
	err := s.view(func(st *fileState) {
		for _, t := range st.Tenants {
			if t.Code == code {
				out, ok = t, true
				wa := st.Settings[settingsKey(t.ID, crosspost.WhatsApp)]
				out.WhatsAppEnabled = wa.Enabled
				return
			}
		}
	})
	return out, ok, err
}

func (s *fileStore) ListSubscribers(_ context.Context, tenantID string) ([]messaging.Subscriber, error) {
	return s.subscribers(func(v messaging.Subscriber) bool { return v.TenantID == tenantID })
}

func (s *fileStore) SubscriptionsFor(_ context.Context, phone string) ([]messaging.Subscriber, error) {
	return s.subscribers(func(v messaging.Subscriber) bool { return v.Phone == phone })
}

func (s *fileStore) subscribers(match func(messaging.Subscriber) bool) ([]messaging.Subscriber, error) {
	var out []messaging.Subscriber
	err := s.view(func(st *fileState) {
		for _, v := range st.Subscribers {
			if match(v) {
				out = append(out, v)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Phone < out[j].Phone
	})
	return out, err
}

func (s *fileStore) PutSubscriber(_ context.Context, v messaging.Subscriber) error {
	if v.TenantID == "" || v.Phone == "" {
		return errors.New("subscriber needs a tenant and a phone")
	}
	return s.update(func(st *fileState) (bool, error) {
		st.Subscribers[subscriberKey(v.TenantID, v.Phone)] = v
		return true, nil
	})
}

func (s *fileStore) DeleteSubscriber(_ context.Context, tenantID, phone string) error {
	return s.update(func(st *fileState) (bool, error) {
		key := subscriberKey(tenantID, phone)
		if _, ok := st.Subscribers[key]; !ok {
			return false, nil
		}
		delete(st.Subscribers, key)
		return true, nil
	})
}

func (s *fileStore) EnqueueOutbox(_ context.Context, batch []messaging.Descriptor) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now()
	return s.update(func(st *fileState) (bool, error) {
		for _, d := range batch {
			if d.ID == "" {
				return false, errors.New("outbox descriptor without id")
			}
			st.Outbox = append(st.Outbox, &outboxRow{
				Envelope:  messaging.Envelope{Descriptor: d},
				Status:    OutboxPending,
				CreatedAt: now,
			})
		}
		return true, nil
	})
}

func (s *fileStore) ClaimOutbox(_ context.Context, limit int, now time.Time) ([]messaging.Envelope, error) {
	var out []messaging.Envelope
	err := s.update(func(st *fileState) (bool, error) {
		for _, r := range st.Outbox {
			if len(out) >= limit {
				break
			}
			if r.Status != OutboxPending {
				continue
			}
			r.Status = OutboxClaimed
			r.ClaimedAt = now
			r.Attempts++
			out = append(out, r.Envelope)
		}
		return len(out) > 0, nil
	})
	return out, err
}

func (s *fileStore) settle(id, status, reason string) error {
	return s.update(func(st *fileState) (bool, error) {
		for i, r := range st.Outbox {
			if r.ID != id {
				continue
			}
			if status == OutboxSent {
				st.Outbox = append(st.Outbox[:i], st.Outbox[i+1:]...)
				return true, nil
			}
			r.Status = status
			r.LastError = reason
			return true, nil
		}
		return false, nil
	})
}

func (s *fileStore) AckOutbox(_ context.Context, id string) error {
	return s.settle(id, OutboxSent, "")
}

func (s *fileStore) FailOutbox(_ context.Context, id, reason string) error {
	return s.settle(id, OutboxFailed, reason)
}

func (s *fileStore) RequeueStale(_ context.Context, claimedBefore time.Time) (int, error) {
	n := 0
	err := s.update(func(st *fileState) (bool, error) {
		for _, r := range st.Outbox {
			if r.Status == OutboxClaimed && r.ClaimedAt.Before(claimedBefore) {
				r.Status = OutboxPending
				r.ClaimedAt = time.Time{}
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

func (s *fileStore) IncrementPosts(_ context.Context, tenantID string, ch crosspost.Channel) error {
	return s.update(func(st *fileState) (bool, error) {
		st.Counters[settingsKey(tenantID, ch)]++
		return true, nil
	})
}

func (s *fileStore) ResetPostCounters(_ context.Context) error {
	return s.update(func(st *fileState) (bool, error) {
		if len(st.Counters) == 0 {
			return false, nil
		}
		st.Counters = map[string]int{}
		return true, nil
	})
}

func (s *fileStore) PostCounters(_ context.Context, tenantID string) (map[crosspost.Channel]int, error) {
	out := map[crosspost.Channel]int{}
	err := s.view(func(st *fileState) {
		prefix := tenantID + "|"
		for k, n := range st.Counters {
			if strings.HasPrefix(k, prefix) {
				out[crosspost.Channel(strings.TrimPrefix(k, prefix))] = n
			}
		}
	})
	return out, err
}

func (s *fileStore) AppendOutcome(_ context.Context, dispatchID, tenantID, postID string, o crosspost.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.outcomesFile).Encode(OutcomeEntry{
		At: time.Now(), DispatchID: dispatchID, TenantID: tenantID, PostID: postID, Outcome: o,
	})
}
