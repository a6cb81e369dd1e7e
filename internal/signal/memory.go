package signal

import (
	"context"
	"sync"
)

// MemoryProvider はプロセス内メモリに保持するProvider。
// 単一プロセス構成とテストで使う。
type MemoryProvider struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemoryProvider はMemoryProviderを生成する。
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]map[string]string)}
}

// For は名前空間に束縛されたStoreを返す。
func (p *MemoryProvider) For(namespace string) Store {
	return &memoryStore{p: p, ns: namespace}
}

type memoryStore struct {
	p  *MemoryProvider
	ns string
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	v, ok := s.p.data[s.ns][key]
	return v, ok, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	m, ok := s.p.data[s.ns]
	if !ok {
		m = make(map[string]string)
		s.p.data[s.ns] = m
	}
	m[key] = value
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.p.data[s.ns], key)
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	delete(s.p.data, s.ns)
	return nil
}

// NewMemoryStore は単独で使うインメモリStoreを返す。
func NewMemoryStore() Store {
	return NewMemoryProvider().For("")
}
