package hybridlog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_assert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		data[i] = byte(i % 256)
	}
	return data
}

func openTemp(t testing.TB, cfg Config) *SimpleHybridLog {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "test.log")
	}
	l, err := open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestHybridLog(t *testing.T) {
	assert := _assert.New(t)
	l := openTemp(t, Config{HighWaterMark: 30})

	nData := 1024 // 1kb
	data := testData(nData)
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(l.Write(data))
		}()
	}
	wg.Wait()
	assert.Equal(int64(nData*100), l.Size())

	wg.Add(100)
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			readB := make([]byte, 128)
			n, err := l.ReadAt(readB, 128)
			assert.NoError(err)
			assert.Equal(len(readB), n)
			assert.Equal(128, int(readB[0]))
		}()
	}
	wg.Wait()

	// reads spanning several writes skip the checkpoints in between
	all := make([]byte, nData*100)
	n, err := l.ReadAt(all, 100)
	assert.ErrorIs(err, io.EOF)
	assert.Equal(nData*100-100, n)
	for i := 0; i < n; i++ {
		if !assert.Equal(byte((i+100)%256), all[i]) {
			break
		}
	}
}

func TestHybridLog_ReadAcrossRemap(t *testing.T) {
	assert := _assert.New(t)
	// a tiny buffer forces frequent remapping and disk reads
	l := openTemp(t, Config{BufferSize: 256, HighWaterMark: 50})

	for i := 0; i < 200; i++ {
		chunk := make([]byte, 37)
		for j := range chunk {
			chunk[j] = byte(i)
		}
		assert.NoError(l.Write(chunk))
		b := make([]byte, 37)
		n, err := l.ReadAt(b, int64(i*37))
		assert.NoError(err)
		assert.Equal(37, n)
		assert.Equal(chunk, b)
	}

	b := make([]byte, 74)
	_, err := l.ReadAt(b, 37*99)
	assert.NoError(err)
	assert.Equal(byte(99), b[0])
	assert.Equal(byte(100), b[73])
}

func TestHybridLog_Reopen(t *testing.T) {
	assert := _assert.New(t)
	path := filepath.Join(t.TempDir(), "test.log")

	l, err := open(Config{Path: path})
	require.NoError(t, err)
	assert.NoError(l.Write([]byte("hello ")))
	assert.NoError(l.Write([]byte("hybrid ")))
	assert.NoError(l.Write([]byte("log")))
	assert.NoError(l.Close())

	_, err = l.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(err, ErrClosed)
	assert.ErrorIs(l.Write([]byte("x")), ErrClosed)

	l = openTemp(t, Config{Path: path})
	assert.Equal(int64(len("hello hybrid log")), l.Size())
	b := make([]byte, l.Size())
	_, err = l.ReadAt(b, 0)
	assert.NoError(err)
	assert.Equal("hello hybrid log", string(b))

	assert.NoError(l.Write([]byte("!")))
	b = make([]byte, 4)
	_, err = l.ReadAt(b, 13)
	assert.NoError(err)
	assert.Equal("log!", string(b))
}

func TestHybridLog_TornWrite(t *testing.T) {
	assert := _assert.New(t)
	path := filepath.Join(t.TempDir(), "test.log")

	l, err := open(Config{Path: path})
	require.NoError(t, err)
	assert.NoError(l.Write(testData(100)))
	assert.NoError(l.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)

	// simulate a crash in the middle of a write
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(testData(61))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openTemp(t, Config{Path: path})
	assert.Equal(int64(100), l.Size())
	truncated, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(info.Size(), truncated.Size())

	assert.NoError(l.Write([]byte{0xAB}))
	b := make([]byte, 2)
	_, err = l.ReadAt(b, 99)
	assert.NoError(err)
	assert.Equal([]byte{99, 0xAB}, b)
}

func TestHybridLog_NoCheckpoint(t *testing.T) {
	assert := _assert.New(t)
	path := filepath.Join(t.TempDir(), "test.log")
	require.NoError(t, os.WriteFile(path, testData(50), 0644))

	l := openTemp(t, Config{Path: path})
	assert.Equal(int64(0), l.Size())
	assert.NoError(l.Write([]byte("fresh")))
	b := make([]byte, 5)
	_, err := l.ReadAt(b, 0)
	assert.NoError(err)
	assert.Equal("fresh", string(b))
}

func TestHybridLog_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	openTemp(t, Config{Path: path})

	_, err := open(Config{Path: path})
	_assert.ErrorIs(t, err, ErrLocked)
}

func BenchmarkHybridLog_Write_512b(b *testing.B) {
	benchWrite(b, 512)
}

func BenchmarkHybridLog_Write_4KB(b *testing.B) {
	benchWrite(b, 1024*4)
}

func BenchmarkHybridLog_Write_128KB(b *testing.B) {
	benchWrite(b, 1024*128)
}

func BenchmarkHybridLog_Read_512b(b *testing.B) {
	benchRead(b, 512)
}

func BenchmarkHybridLog_Read_4KB(b *testing.B) {
	benchRead(b, 1024*4)
}

func BenchmarkHybridLog_Read_128KB(b *testing.B) {
	benchRead(b, 1024*128)
}

func benchWrite(b *testing.B, dataSize int) {
	l := openTemp(b, Config{})
	data := testData(dataSize)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = l.Write(data)
	}
}

func benchRead(b *testing.B, dataSize int) {
	l := openTemp(b, Config{})
	data := testData(dataSize)
	for i := 0; i < 1000; i++ {
		_ = l.Write(data)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = l.ReadAt(data, 0)
	}
}
