package handler

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/paygate/internal/model"
	"github.com/hitoshi/paygate/internal/repository"
)

// memStore はルーターテスト用のインメモリ永続化層。
// 各リポジトリインターフェースを1つのロックで実装する。
type memStore struct {
	mu           sync.Mutex
	users        map[string]*model.User
	slots        map[string]*model.RefreshSlot
	merchants    map[string]*model.Merchant
	transactions map[string]*model.Transaction
	deliveries   []*model.WebhookDelivery
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[string]*model.User),
		slots:        make(map[string]*model.RefreshSlot),
		merchants:    make(map[string]*model.Merchant),
		transactions: make(map[string]*model.Transaction),
	}
}

type memUsers struct{ *memStore }

func (s memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (s memUsers) Create(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	c := *user
	s.users[user.ID] = &c
	return nil
}

type memSlots struct{ *memStore }

func (s memSlots) Replace(_ context.Context, slot *model.RefreshSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *slot
	s.slots[slot.UserID] = &c
	return nil
}

func (s memSlots) FindByUserID(_ context.Context, userID string) (*model.RefreshSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[userID]; ok {
		c := *slot
		return &c, nil
	}
	return nil, nil
}

func (s memSlots) DeleteByUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, userID)
	return nil
}

type memMerchants struct{ *memStore }

func (s memMerchants) Create(_ context.Context, m *model.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.merchants {
		if existing.OwnerID == m.OwnerID || existing.APIKey == m.APIKey {
			return repository.ErrDuplicate
		}
	}
	c := *m
	s.merchants[m.ID] = &c
	return nil
}

func (s memMerchants) find(match func(*model.Merchant) bool) (*model.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.merchants {
		if match(m) {
			c := *m
			return &c, nil
		}
	}
	return nil, nil
}

func (s memMerchants) FindByID(_ context.Context, id string) (*model.Merchant, error) {
	return s.find(func(m *model.Merchant) bool { return m.ID == id })
}

func (s memMerchants) FindByAPIKey(_ context.Context, apiKey string) (*model.Merchant, error) {
	return s.find(func(m *model.Merchant) bool { return m.APIKey == apiKey })
}

func (s memMerchants) FindByOwnerID(_ context.Context, ownerID string) (*model.Merchant, error) {
	return s.find(func(m *model.Merchant) bool { return m.OwnerID == ownerID })
}

func (s memMerchants) UpdateCredentials(_ context.Context, id string, expectedVersion int, apiKey, secretEnc string, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.merchants[id]
	if !ok || m.SecretVersion != expectedVersion {
		return false, nil
	}
	m.APIKey = apiKey
	m.SecretEnc = secretEnc
	m.SecretVersion++
	m.UpdatedAt = updatedAt
	return true, nil
}

type memTransactions struct{ *memStore }

func (s memTransactions) Create(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *tx
	s.transactions[tx.ID] = &c
	return nil
}

func (s memTransactions) FindByID(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[id]; ok {
		c := *tx
		return &c, nil
	}
	return nil, nil
}

func (s memTransactions) ListByMerchant(_ context.Context, merchantID string, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var txs []*model.Transaction
	for _, tx := range s.transactions {
		if tx.MerchantID == merchantID {
			c := *tx
			txs = append(txs, &c)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s memTransactions) StatsByMerchant(_ context.Context, merchantID string) ([]model.TransactionStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := map[model.TransactionStatus]*model.TransactionStat{}
	cents := map[model.TransactionStatus]int64{}
	for _, tx := range s.transactions {
		if tx.MerchantID != merchantID {
			continue
		}
		st, ok := byStatus[tx.Status]
		if !ok {
			st = &model.TransactionStat{Status: tx.Status}
			byStatus[tx.Status] = st
		}
		st.Total++
		whole, frac, _ := strings.Cut(tx.Amount, ".")
		w, _ := strconv.ParseInt(whole, 10, 64)
		f, _ := strconv.ParseInt(frac, 10, 64)
		cents[tx.Status] += w*100 + f
	}

	var stats []model.TransactionStat
	for status, st := range byStatus {
		c := cents[status]
		st.TotalAmount = strconv.FormatInt(c/100, 10) + "." + leftPad2(c%100)
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Status < stats[j].Status })
	return stats, nil
}

func leftPad2(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

func (s memTransactions) Complete(_ context.Context, id string, status model.TransactionStatus, updatedAt time.Time, delivery *model.WebhookDelivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok || tx.Status != model.TransactionStatusPending {
		return false, nil
	}
	tx.Status = status
	tx.UpdatedAt = updatedAt
	if delivery != nil {
		c := *delivery
		s.deliveries = append(s.deliveries, &c)
	}
	return true, nil
}

// compile-time interface check
var (
	_ repository.UserRepository         = memUsers{}
	_ repository.RefreshTokenRepository = memSlots{}
	_ repository.MerchantRepository     = memMerchants{}
	_ repository.TransactionRepository  = memTransactions{}
)
