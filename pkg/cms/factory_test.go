package cms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/rtcms/pkg/nml"
	"github.com/bft-labs/rtcms/pkg/rtapi"
)

const testHost = "rt-host"

func writeNML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.nml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadCatalog(t *testing.T, content string) (*nml.Catalog, string) {
	t.Helper()
	path := writeNML(t, t.TempDir(), content)
	c := nml.NewCatalog()
	_, err := c.Load(path)
	require.NoError(t, err)
	return c, path
}

func testConfig(t *testing.T) Config {
	return Config{
		Hostname:       testHost,
		ShmDir:         t.TempDir(),
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		DialTimeout:    time.Second,
		AttachTimeout:  50 * time.Millisecond,
	}
}

func newTestFactory(t *testing.T, content string, opts ...Option) (*Factory, *nml.Catalog) {
	t.Helper()
	c, _ := loadCatalog(t, content)
	f, err := NewFactory(c.Buffers(), c.Processes(), testConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f, c
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	var c Config
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, 3, c.ConnectAttempts)
	assert.Equal(t, DefaultShmDir, c.ShmDir)
	assert.Equal(t, time.Millisecond, c.PollInterval)

	c.ConnectAttempts = -1
	assert.Error(t, c.Validate())

	_, err := NewFactory(nil, nil, Config{ConnectAttempts: -2})
	assert.Error(t, err)
}

func TestFactory_UnknownNames(t *testing.T) {
	f, _ := newTestFactory(t, `
B status 64 1 0
B other  64 1 0
P status LOCAL
P elsewhere LOCAL buffer=other
`)
	ctx := context.Background()

	_, err := f.Create(ctx, "missing", "status", false, false)
	assert.ErrorIs(t, err, ErrUnknownBuffer)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "missing", te.Buffer)

	_, err = f.Create(ctx, "status", "nobody", false, false)
	assert.ErrorIs(t, err, ErrUnknownProcess)

	_, err = f.Create(ctx, "status", "elsewhere", false, false)
	assert.ErrorIs(t, err, ErrUnknownProcess, "process bound to another buffer")

	_, err = f.Create(ctx, "other", "", false, false)
	assert.ErrorIs(t, err, ErrUnknownProcess, "no process line named after the buffer")

	ch, err := f.Create(ctx, "status", "", false, false)
	require.NoError(t, err)
	assert.Equal(t, "status", ch.Process().Name)
	assert.Equal(t, 1, f.Channels())
}

func TestFactory_ChannelKeepsLinesAcrossReload(t *testing.T) {
	c, path := loadCatalog(t, "B status 64 1 0\nP status LOCAL\n")
	f, err := NewFactory(c.Buffers(), c.Processes(), testConfig(t))
	require.NoError(t, err)
	defer f.Close()

	ch, err := f.Create(context.Background(), "status", "", false, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("B status 4096 2 1\nP status LOCAL\n"), 0o644))
	_, err = c.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, ch.Buffer().BufferSize)
	_, err = ch.Write(make([]byte, 100))
	assert.ErrorIs(t, err, ErrTooLarge)

	b, _ := c.Buffers().Find("status")
	assert.Equal(t, 4096, b.BufferSize)
}

func TestFactory_FirmwareSeedsServerBuffer(t *testing.T) {
	fwDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fwDir, "boot.bin"), []byte{0xde, 0xad, 0xbe, 0xef}, 0o644))

	f, _ := newTestFactory(t, "B boot 16 1 0 firmware=boot.bin\nP boot LOCAL\n",
		WithFirmwareLoader(rtapi.DirLoader{Dir: fwDir}))

	ch, err := f.Create(context.Background(), "boot", "", false, false)
	require.NoError(t, err)
	msg, ok, err := ch.Read(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, msg.Data)
}

func TestFactory_FirmwareTooLargeFailsCreate(t *testing.T) {
	fwDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fwDir, "big.bin"), make([]byte, 64), 0o644))

	f, _ := newTestFactory(t, "B boot 16 1 0 firmware=big.bin\nP boot LOCAL\n",
		WithFirmwareLoader(rtapi.DirLoader{Dir: fwDir}))

	_, err := f.Create(context.Background(), "boot", "", false, false)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, f.Channels())
}

func TestFactory_MetricsCountTraffic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f, _ := newTestFactory(t, "B status 8 1 0\nP status LOCAL\n", WithMetrics(m))

	ch, err := f.Create(context.Background(), "status", "", false, false)
	require.NoError(t, err)

	_, err = ch.Write([]byte("12345678"))
	require.NoError(t, err)
	_, err = ch.Write([]byte("123456789"))
	require.ErrorIs(t, err, ErrTooLarge)
	_, ok, err := ch.ReadInto(make([]byte, 8))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1.0, counterValue(t, m.writes.WithLabelValues("status")))
	assert.Equal(t, 1.0, counterValue(t, m.tooLarge.WithLabelValues("status")))
	assert.Equal(t, 1.0, counterValue(t, m.reads.WithLabelValues("status")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, fam := range families {
		names = append(names, fam.GetName())
	}
	assert.Contains(t, names, "rtcms_channel_open")
}

func TestFactory_CloseClosesChannels(t *testing.T) {
	f, _ := newTestFactory(t, "B a 8 1 0\nB b 8 1 0\nP a LOCAL\nP b LOCAL\n")
	ctx := context.Background()
	a, err := f.Create(ctx, "a", "", false, false)
	require.NoError(t, err)
	b, err := f.Create(ctx, "b", "", false, false)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.Zero(t, f.Channels())
	for _, ch := range []*Channel{a, b} {
		_, err := ch.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrNoTransport)
	}
}

func ExampleFactory_Create() {
	dir, _ := os.MkdirTemp("", "cms")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "demo.nml")
	os.WriteFile(path, []byte("B status 64 1 0\nP status LOCAL\n"), 0o644)

	c := nml.NewCatalog()
	if _, err := c.Load(path); err != nil {
		fmt.Println(err)
		return
	}
	f, _ := NewFactory(c.Buffers(), c.Processes(), Config{Hostname: "demo"})
	defer f.Close()

	writer, _ := f.Create(context.Background(), "status", "", false, false)
	reader, _ := f.Create(context.Background(), "status", "", false, false)
	writer.Write([]byte("position 12.5"))

	msg, ok, _ := reader.Read(context.Background(), 0)
	fmt.Println(ok, string(msg.Data))
	_, ok, _ = reader.Read(context.Background(), 0)
	fmt.Println(ok)
	// Output:
	// true position 12.5
	// false
}
