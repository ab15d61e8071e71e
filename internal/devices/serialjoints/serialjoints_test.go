package serialjoints

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/joints"
)

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error                { return p.r.Close() }

func newPipeDevice(t *testing.T) (*Device, *io.PipeWriter) {
	t.Helper()
	r, w := io.Pipe()
	port := &pipePort{r: r, w: w}
	d := New("psmove", "/dev/fake", 115200, func(path string, baud int) (Port, error) {
		assert.Equal(t, "/dev/fake", path)
		assert.Equal(t, 115200, baud)
		return port, nil
	})
	return d, w
}

func TestParseLine(t *testing.T) {
	nj, err := ParseLine("waist 0.1 0.9 2.0 1 0 0 0 2")
	require.NoError(t, err)
	assert.Equal(t, "waist", nj.Name)
	assert.InDelta(t, 0.9, nj.Position.Y, 1e-12)
	assert.Equal(t, joints.Tracked, nj.State)
	assert.InDelta(t, 1, nj.Orientation.W, 1e-12)

	_, err = ParseLine("waist 1 2 3")
	assert.Error(t, err)
	_, err = ParseLine("waist a 0 0 1 0 0 0 2")
	assert.Error(t, err)
	_, err = ParseLine("waist 0 0 0 1 0 0 0 9")
	assert.Error(t, err)

	for _, bad := range []string{"NaN", "Inf", "-inf", "1e400"} {
		_, err = ParseLine("waist " + bad + " 0 0 1 0 0 0 2")
		assert.Error(t, err, bad)
	}
}

func TestDeviceReadsJoints(t *testing.T) {
	d, w := newPipeDevice(t)
	assert.ErrorIs(t, d.Update(), joints.ErrNotInitialized)
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Initialize())
	assert.True(t, d.Status().OK())

	go func() {
		fmt.Fprintln(w, "# header")
		fmt.Fprintln(w, "left_foot -0.1 0.05 2.0 1 0 0 0 2")
		fmt.Fprintln(w, "garbage")
		fmt.Fprintln(w, "right_foot 0.1 0.05 2.0 1 0 0 0 1")
	}()

	require.Eventually(t, func() bool {
		if err := d.Update(); err != nil {
			return false
		}
		return len(d.TrackedJoints()) == 2
	}, time.Second, 5*time.Millisecond)

	got := d.TrackedJoints()
	assert.Equal(t, "left_foot", got[0].Name)
	assert.Equal(t, "right_foot", got[1].Name)
	assert.True(t, d.Tracked())

	require.NoError(t, d.Shutdown())
	require.NoError(t, d.Shutdown())
	assert.False(t, d.Status().OK())
}

func TestDeviceOpenFailure(t *testing.T) {
	d := New("psmove", "/dev/none", 9600, func(string, int) (Port, error) {
		return nil, errors.New("no such port")
	})
	assert.Error(t, d.Initialize())
	assert.Equal(t, joints.StatusDisconnected, d.Status().Code)
}

func TestStreamEndMarksDisconnected(t *testing.T) {
	d, w := newPipeDevice(t)
	require.NoError(t, d.Initialize())
	require.NoError(t, w.Close())
	require.Eventually(t, func() bool {
		return d.Status().Code == joints.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Shutdown())
}

func TestFactory(t *testing.T) {
	_, err := Factory(joints.ManifestEntry{Name: "x"})
	assert.Error(t, err)

	dev, err := Factory(joints.ManifestEntry{Name: "x", Options: map[string]string{"port": "/dev/ttyACM0", "baud": "9600"}})
	require.NoError(t, err)
	assert.Equal(t, joints.JointsBasis, dev.Kind())
	assert.Equal(t, 9600, dev.(*Device).baud)
}
