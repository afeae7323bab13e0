package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Feed 信号源：提供某个用户当前可交易的候选信号，以及
// 各标的的离场参考位。
type Feed interface {
	// Fetch 取该用户当前的候选信号。
	Fetch(ctx context.Context, ownerID string) ([]Signal, error)
	// ExitLevels 取各标的当前离场参考位（EMA 派生）。
	ExitLevels(ctx context.Context, ownerID string) (map[string]float64, error)
}

// StaticFeed 内存信号源，测试与模拟用。
type StaticFeed struct {
	mu      sync.RWMutex
	signals map[string][]Signal
	levels  map[string]map[string]float64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		signals: make(map[string][]Signal),
		levels:  make(map[string]map[string]float64),
	}
}

// SetSignals 整体替换某用户的候选信号。
func (f *StaticFeed) SetSignals(ownerID string, signals []Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[ownerID] = append([]Signal(nil), signals...)
}

// SetLevel 更新某用户某标的的离场参考位。
func (f *StaticFeed) SetLevel(ownerID, symbol string, level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.levels[ownerID]
	if !ok {
		m = make(map[string]float64)
		f.levels[ownerID] = m
	}
	m[symbol] = level
}

func (f *StaticFeed) Fetch(_ context.Context, ownerID string) ([]Signal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Signal(nil), f.signals[ownerID]...), nil
}

func (f *StaticFeed) ExitLevels(_ context.Context, ownerID string) (map[string]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.levels[ownerID]))
	for sym, lv := range f.levels[ownerID] {
		out[sym] = lv
	}
	return out, nil
}

// fileFeedDoc 信号文件格式：扫描器落盘的 JSON 结果。
type fileFeedDoc struct {
	Signals []Signal `json:"signals"`
}

// FileFeed 从扫描器输出的 JSON 文件读取信号。每次 Fetch 重读文件，
// 扫描器覆盖写入即生效。所有用户共享同一份候选。
type FileFeed struct {
	Path string
}

func (f *FileFeed) Fetch(_ context.Context, _ string) ([]Signal, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read signal file: %w", err)
	}
	var doc fileFeedDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse signal file: %w", err)
	}
	return doc.Signals, nil
}

func (f *FileFeed) ExitLevels(ctx context.Context, ownerID string) (map[string]float64, error) {
	signals, err := f.Fetch(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]float64, len(signals))
	for _, s := range signals {
		if s.ExitReferenceLevel > 0 {
			levels[s.Symbol] = s.ExitReferenceLevel
		}
	}
	return levels, nil
}
