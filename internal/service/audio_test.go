package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV 写入 16 位 PCM WAV：左声道恒为 0.5 满幅，右声道为 0
func writeTestWAV(t *testing.T, path string, sampleRate, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		data[i*channels] = 16384
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
}

func TestDecodeWAV_DownmixAndResample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	writeTestWAV(t, path, 8000, 2, 8000)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	native, err := DecodeWAV(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, 8000, native.SampleRate)
	assert.Len(t, native.PCM, 8000)
	assert.InDelta(t, 1.0, native.DurationSec, 1e-9)
	assert.InDelta(t, 0.25, native.PCM[100], 1e-6)

	up, err := DecodeWAV(raw, 16000)
	require.NoError(t, err)
	assert.Equal(t, 16000, up.SampleRate)
	assert.Len(t, up.PCM, 16000)
	assert.InDelta(t, 1.0, up.DurationSec, 1e-9)
	assert.InDelta(t, 0.25, up.PCM[5000], 1e-6)
}

func TestDecodeWAV_Invalid(t *testing.T) {
	_, err := DecodeWAV([]byte("definitely not a riff file"), 16000)
	assert.Error(t, err)
}

func TestResampleLinear(t *testing.T) {
	out := resampleLinear([]float32{0, 1}, 1, 2)
	assert.Equal(t, []float32{0, 0.5, 1, 1}, out)

	down := resampleLinear([]float32{0, 1, 2, 3}, 4, 2)
	assert.Equal(t, []float32{0, 2}, down)

	same := []float32{1, 2}
	assert.Equal(t, same, resampleLinear(same, 16000, 16000))
}

func TestAudioLoader_FileAndCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")
	writeTestWAV(t, path, 16000, 1, 8000)

	cache := NewAudioCache(4, time.Hour)
	l := NewAudioLoader(nil, cache, discardLogger())
	ctx := context.Background()

	a, err := l.Load(ctx, "file://"+path, 16000)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, a.DurationSec, 1e-9)
	assert.Equal(t, 1, cache.Len())

	// 文件删除后仍命中缓存
	require.NoError(t, os.Remove(path))
	b, err := l.Load(ctx, "file://"+path, 16000)
	require.NoError(t, err)
	assert.Same(t, a, b)

	// 不同目标采样率是不同的缓存键
	_, err = l.Load(ctx, "file://"+path, 8000)
	assert.Error(t, err)

	_, err = l.Load(ctx, "  ", 16000)
	assert.Error(t, err)
}

func TestAudioLoader_HTTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.wav")
	writeTestWAV(t, path, 16000, 1, 1600)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.wav" {
			http.Error(w, "no such object", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	l := NewAudioLoader(srv.Client(), nil, discardLogger())
	a, err := l.Load(context.Background(), srv.URL+"/ok.wav", 16000)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, a.DurationSec, 1e-9)

	_, err = l.Load(context.Background(), srv.URL+"/missing.wav", 16000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestAudioCache_LRUAndTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAudioCache(2, time.Minute)
	c.now = func() time.Time { return now }

	a, b, d := &DecodedAudio{SampleRate: 1}, &DecodedAudio{SampleRate: 2}, &DecodedAudio{SampleRate: 3}
	c.Put("a", a)
	c.Put("b", b)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("d", d)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	unbounded := NewAudioCache(0, 0)
	for i := 0; i < 10; i++ {
		unbounded.Put(string(rune('a'+i)), a)
	}
	assert.Equal(t, 10, unbounded.Len())
}
