package ocrworker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWorkerScript drops a shell script into a temp dir and returns its
// path. The scripts emulate the worker protocol: one JSON object per line.
func writeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub worker scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

// echoWorker answers every request with an incrementing sequence number and
// exits on the shutdown command.
const echoWorker = `
echo '{"status":"ready"}'
n=0
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  n=$((n+1))
  echo "{\"status\":\"success\",\"data\":{\"seq\":$n}}"
done
`

func newTestChannel(t *testing.T, script string, cfg Config) *Channel {
	t.Helper()
	cfg.Command = "/bin/sh"
	cfg.Args = []string{script}
	c := NewChannel(cfg)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

type seqData struct {
	Seq int `json:"seq"`
}

func sendAndDecodeSeq(t *testing.T, c *Channel, req Request) int {
	t.Helper()
	resp, err := c.Send(context.Background(), req)
	require.NoError(t, err)
	var d seqData
	require.NoError(t, json.Unmarshal(resp.Data, &d))
	return d.Seq
}

func TestChannelInitializeAndReady(t *testing.T) {
	script := writeWorkerScript(t, echoWorker)
	c := newTestChannel(t, script, Config{})
	assert.True(t, c.IsReady())
}

func TestChannelSendBeforeInitialize(t *testing.T) {
	c := NewChannel(Config{Command: "/bin/true"})
	_, err := c.Send(context.Background(), StatusRequest())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestChannelSequentialRequestsCorrelateInOrder(t *testing.T) {
	script := writeWorkerScript(t, echoWorker)
	c := newTestChannel(t, script, Config{})

	for want := 1; want <= 5; want++ {
		got := sendAndDecodeSeq(t, c, ProcessImageRequest("card.png"))
		assert.Equal(t, want, got)
	}
}

func TestChannelSerializesConcurrentRequests(t *testing.T) {
	// Each response takes ~100ms; three concurrent sends must be serviced
	// one at a time.
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  sleep 0.1
  echo '{"status":"success","data":{}}'
done
`)
	c := newTestChannel(t, script, Config{})

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), StatusRequest())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond,
		"requests must not overlap on the worker")
}

func TestChannelRequestTimeout(t *testing.T) {
	// The worker answers request 1 after its deadline and everything else
	// immediately. The late line must be swallowed, not handed to the next
	// request as if it were its own result.
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
n=0
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  n=$((n+1))
  if [ "$n" -eq 1 ]; then
    sleep 0.4
  fi
  echo "{\"status\":\"success\",\"data\":{\"seq\":$n}}"
done
`)
	c := newTestChannel(t, script, Config{RequestTimeout: 250 * time.Millisecond})

	_, err := c.Send(context.Background(), ProcessImageRequest("stuck.png"))
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CommandProcessImage, terr.Command)

	// The channel recovers and the second request gets its own payload,
	// never request 1's.
	got := sendAndDecodeSeq(t, c, ProcessImageRequest("ok.png"))
	assert.Equal(t, 2, got)
}

func TestChannelTimeoutDispatchesNextQueuedRequest(t *testing.T) {
	// Like above but the second request is already queued when the first
	// one expires, which is exactly when a late line could be delivered to
	// the wrong caller.
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
n=0
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  n=$((n+1))
  if [ "$n" -eq 1 ]; then
    sleep 0.5
  fi
  echo "{\"status\":\"success\",\"data\":{\"seq\":$n}}"
done
`)
	c := newTestChannel(t, script, Config{RequestTimeout: 400 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = c.Send(context.Background(), ProcessImageRequest("stuck.png"))
	}()

	time.Sleep(200 * time.Millisecond) // let the first request become current
	got := sendAndDecodeSeq(t, c, ProcessImageRequest("queued.png"))
	wg.Wait()

	var terr *TimeoutError
	assert.ErrorAs(t, firstErr, &terr)
	assert.Equal(t, 2, got)
}

func TestChannelCanceledInFlightRequestFreesSlot(t *testing.T) {
	// A caller that gives up on an in-flight request must not wedge the
	// channel: the request's own deadline still clears the slot so the next
	// request gets dispatched.
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
n=0
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  n=$((n+1))
  if [ "$n" -eq 1 ]; then
    sleep 0.7
  fi
  echo "{\"status\":\"success\",\"data\":{\"seq\":$n}}"
done
`)
	c := newTestChannel(t, script, Config{RequestTimeout: 500 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, ProcessImageRequest("slow.png"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := sendAndDecodeSeq(t, c, ProcessImageRequest("next.png"))
	assert.Equal(t, 2, got)
}

func TestChannelWorkerErrorResponse(t *testing.T) {
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
while read line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
  echo '{"status":"error","error":"unreadable image"}'
done
`)
	c := newTestChannel(t, script, Config{})

	_, err := c.Send(context.Background(), ProcessImageRequest("bad.png"))
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "unreadable image", werr.Message)
}

func TestChannelMalformedResponseLine(t *testing.T) {
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
read line
echo 'this is not json'
read line2
`)
	c := newTestChannel(t, script, Config{})

	_, err := c.Send(context.Background(), StatusRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse response")
}

func TestChannelWorkerTerminationRejectsInFlight(t *testing.T) {
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
read line
exit 1
`)
	c := newTestChannel(t, script, Config{})

	_, err := c.Send(context.Background(), ProcessImageRequest("card.png"))
	assert.ErrorIs(t, err, ErrTerminated)

	// A dead worker refuses further work until re-initialized.
	require.Eventually(t, func() bool { return !c.IsReady() }, time.Second, 10*time.Millisecond)
	_, err = c.Send(context.Background(), StatusRequest())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestChannelReinitializeAfterTermination(t *testing.T) {
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
read line
exit 1
`)
	c := newTestChannel(t, script, Config{})

	_, err := c.Send(context.Background(), ProcessImageRequest("card.png"))
	require.ErrorIs(t, err, ErrTerminated)
	require.Eventually(t, func() bool { return !c.IsReady() }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.IsReady())
}

func TestChannelStartupTimeout(t *testing.T) {
	script := writeWorkerScript(t, `
sleep 10
`)
	c := NewChannel(Config{
		Command:        "/bin/sh",
		Args:           []string{script},
		StartupTimeout: 150 * time.Millisecond,
	})

	err := c.Initialize(context.Background())
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.False(t, c.IsReady())
}

func TestChannelStartupWorkerExitsEarly(t *testing.T) {
	script := writeWorkerScript(t, `
exit 3
`)
	c := NewChannel(Config{Command: "/bin/sh", Args: []string{script}})

	err := c.Initialize(context.Background())
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
}

func TestChannelShutdownIsIdempotent(t *testing.T) {
	script := writeWorkerScript(t, echoWorker)
	c := newTestChannel(t, script, Config{})

	ctx := context.Background()
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	_, err := c.Send(ctx, StatusRequest())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestChannelSendContextCancellation(t *testing.T) {
	script := writeWorkerScript(t, `
echo '{"status":"ready"}'
while read line; do
  sleep 5
done
`)
	c := newTestChannel(t, script, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, StatusRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
