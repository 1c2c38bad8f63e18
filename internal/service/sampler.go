package service

import (
	"crypto/rand"
	"encoding/binary"
)

// HashSeed FNV-1a 32 位哈希，把字符串种子映射为整数种子
func HashSeed(seed string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(seed); i++ {
		h ^= uint32(seed[i])
		h *= 16777619
	}
	return h
}

// Mulberry32 快速确定性 32 位 PRNG
type Mulberry32 struct {
	state uint32
}

func NewMulberry32(seed uint32) *Mulberry32 {
	return &Mulberry32{state: seed}
}

// Float64 返回 [0,1) 内的均匀分布浮点数
func (m *Mulberry32) Float64() float64 {
	m.state += 0x6D2B79F5
	t := m.state
	t = (t ^ (t >> 15)) * (t | 1)
	t = (t + (t^(t>>7))*(t|61)) ^ t
	return float64(t^(t>>14)) / 4294967296.0
}

type randSource interface {
	Float64() float64
}

// Sampler 可复现的行号采样器
type Sampler struct {
	rng    randSource
	seeded bool
}

// NewSampler seed 为空时使用非确定性种子
func NewSampler(seed string) *Sampler {
	if seed == "" {
		var b [4]byte
		_, _ = rand.Read(b[:])
		return &Sampler{rng: NewMulberry32(binary.LittleEndian.Uint32(b[:]))}
	}
	return &Sampler{rng: NewMulberry32(HashSeed(seed)), seeded: true}
}

func (s *Sampler) Seeded() bool {
	return s.seeded
}

// SampleIndices 在 [0,total) 中无放回抽取 wanted 个不同行号，按抽取顺序返回。
// 碰撞时重抽，尝试次数上限 max(3*total, total+20*wanted)；达到上限后按升序补齐未选中的行号。
func (s *Sampler) SampleIndices(total, wanted int) []int {
	if total <= 0 || wanted <= 0 {
		return nil
	}
	if wanted >= total {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}

	maxAttempts := max(3*total, total+20*wanted)
	picked := make(map[int]struct{}, wanted)
	out := make([]int, 0, wanted)
	for attempts := 0; len(out) < wanted && attempts < maxAttempts; attempts++ {
		idx := int(s.rng.Float64() * float64(total))
		if idx >= total {
			idx = total - 1
		}
		if _, dup := picked[idx]; dup {
			continue
		}
		picked[idx] = struct{}{}
		out = append(out, idx)
	}
	for i := 0; len(out) < wanted && i < total; i++ {
		if _, dup := picked[i]; !dup {
			picked[i] = struct{}{}
			out = append(out, i)
		}
	}
	return out
}

// SampleIndices 便捷函数
func SampleIndices(total, wanted int, seed string) []int {
	return NewSampler(seed).SampleIndices(total, wanted)
}
