package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/backingstore"
	"github.com/kclejeune/shmarray/internal/ctxmgr"
	"github.com/kclejeune/shmarray/internal/descriptor"
	"github.com/kclejeune/shmarray/internal/ipc"
	"github.com/kclejeune/shmarray/internal/options"
)

// runCmd spawns a worker subprocess and drives it through the four
// end-to-end scenarios from spec.md §8, printing a pass/fail line for each
// invariant it checks. Each scenario gets its own ContextManager (and so
// its own max_nbytes) since a process in practice runs one policy at a
// time; chaining them here just demonstrates breadth in one binary.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the transport's end-to-end scenarios against a real worker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
}

func runDemo(ctx context.Context) error {
	sock := filepath.Join(os.TempDir(), fmt.Sprintf("shmarrayctl-%d.sock", os.Getpid()))
	worker, err := spawnWorker(sock)
	if err != nil {
		return err
	}
	defer func() {
		_ = worker.Process.Kill()
		_, _ = worker.Process.Wait()
	}()

	if err := waitForSocket(ctx, sock); err != nil {
		return fmt.Errorf("worker never came up: %w", err)
	}
	client := ipc.NewClient(sock)

	if err := scenarioDedupAndCleanup(client); err != nil {
		return err
	}
	if err := scenarioContiguousRoundTrip(client); err != nil {
		return err
	}
	if err := scenarioTransposeRoundTrip(client); err != nil {
		return err
	}
	if err := scenarioBackwardReduction(client); err != nil {
		return err
	}

	fmt.Println("all scenarios passed")
	return nil
}

func spawnWorker(sock string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable: %w", err)
	}
	cmd := exec.Command(exe, "worker", "--socket", sock)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return cmd, nil
}

func waitForSocket(ctx context.Context, sock string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := net.DialTimeout("unix", sock, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %q", sock)
}

// managerWithThreshold builds a fresh single-context Manager whose
// max_nbytes is pinned to maxNBytes (nil meaning "never memmap").
// unlink_on_gc is disabled: this demo has only the coordinator's tracker in
// the picture, with no cross-process finalizer signal back from the worker,
// so the per-send holds unlink_on_gc would add could never be decremented.
func managerWithThreshold(maxNBytes *int64) (*ctxmgr.Manager, string) {
	opts := options.Default()
	opts.MaxNBytes = maxNBytes
	opts.UnlinkOnGCCollect = false
	id := fmt.Sprintf("demo-%d-%d", os.Getpid(), time.Now().UnixNano())
	return ctxmgr.New(id, opts), "ctx"
}

// scenarioDedupAndCleanup is spec.md §8 scenario 1: the same array sent
// repeatedly shares one backing file with owner-only permissions, and
// unlink_temporary_resources removes it.
func scenarioDedupAndCleanup(client *ipc.Client) error {
	maxNBytes := int64(1 << 20)
	mgr, ctxID := managerWithThreshold(&maxNBytes)
	defer mgr.Shutdown()

	fwd, _, err := mgr.Reducers(ctxID)
	if err != nil {
		return err
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "uint8", ItemSize: 1}, []int64{maxNBytes + 1}, false)

	var filename string
	for i := 0; i < 3; i++ {
		red, err := fwd.Reduce(a)
		if err != nil {
			return fmt.Errorf("scenario1: reduce %d: %w", i, err)
		}
		if red.Descriptor == nil {
			return fmt.Errorf("scenario1: expected descriptor-backed reduction")
		}
		if filename == "" {
			filename = red.Descriptor.Filename
		} else if red.Descriptor.Filename != filename {
			return fmt.Errorf("scenario1: basename changed across repeated sends of the same array")
		}

		resp, err := client.RoundTrip(ipc.Message{Type: ipc.TypeSubmit, Action: "sample", Idx: []int64{0}, Descriptor: red.Descriptor})
		if err != nil {
			return fmt.Errorf("scenario1: round trip %d: %w", i, err)
		}
		if resp.Type == ipc.TypeError {
			return fmt.Errorf("scenario1: worker error: %s", resp.Err)
		}
	}

	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("scenario1: stat backing file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		return fmt.Errorf("scenario1: backing file mode = %v, want 0600", info.Mode().Perm())
	}

	if err := mgr.UnlinkTemporaryResources(ctxID); err != nil {
		return fmt.Errorf("scenario1: unlink_temporary_resources: %w", err)
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) {
		return fmt.Errorf("scenario1: backing file still present after cleanup")
	}

	fmt.Println("scenario 1 (dedup + cleanup): ok")
	return nil
}

// scenarioContiguousRoundTrip is spec.md §8 scenario 2.
func scenarioContiguousRoundTrip(client *ipc.Client) error {
	zero := int64(0)
	mgr, ctxID := managerWithThreshold(&zero)
	defer mgr.Shutdown()

	fwd, _, err := mgr.Reducers(ctxID)
	if err != nil {
		return err
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{2, 3, 4}, false)
	fillSequential(a)

	red, err := fwd.Reduce(a)
	if err != nil {
		return fmt.Errorf("scenario2: reduce: %w", err)
	}
	if red.Descriptor == nil || red.Descriptor.Strides != nil {
		return fmt.Errorf("scenario2: expected a contiguous descriptor with no strides")
	}

	for _, idx := range [][]int64{{0, 0, 0}, {1, 2, 3}, {0, 1, 2}} {
		resp, err := client.RoundTrip(ipc.Message{Type: ipc.TypeSubmit, Action: "sample", Idx: idx, Descriptor: red.Descriptor})
		if err != nil {
			return fmt.Errorf("scenario2: round trip: %w", err)
		}
		want := int64(readInt32(a, idx))
		if resp.SampleValue != want {
			return fmt.Errorf("scenario2: worker read %d at %v, want %d", resp.SampleValue, idx, want)
		}
	}

	fmt.Println("scenario 2 (contiguous round trip): ok")
	return nil
}

// scenarioTransposeRoundTrip is spec.md §8 scenario 3. A full axis-reversal
// transpose of a C-contiguous array is always exactly Fortran-contiguous
// (row/column-major layouts are transposes of each other), so it never
// actually needs explicit strides on the wire — it would round-trip fine as
// a plain Order: F descriptor. To exercise the genuinely strided path this
// scenario permutes only two of three axes, and does so on an array that is
// already memmap-backed (decoded from a first reduction) so the permuted
// view reuses that file rather than flattening into a new one.
func scenarioTransposeRoundTrip(client *ipc.Client) error {
	zero := int64(0)
	mgr, ctxID := managerWithThreshold(&zero)
	defer mgr.Shutdown()

	fwd, _, err := mgr.Reducers(ctxID)
	if err != nil {
		return err
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{2, 3, 4}, false)
	fillSequential(a)

	first, err := fwd.Reduce(a)
	if err != nil {
		return fmt.Errorf("scenario3: initial reduce: %w", err)
	}
	if first.Descriptor == nil {
		return fmt.Errorf("scenario3: expected the base array to be descriptor-backed")
	}

	am, err := descriptor.Decode(*first.Descriptor, backingstore.Open(first.Descriptor.DType.ItemSize))
	if err != nil {
		return fmt.Errorf("scenario3: decoding base memmap: %w", err)
	}
	perm := am.Permute([]int{1, 0, 2})

	red, err := fwd.Reduce(perm)
	if err != nil {
		return fmt.Errorf("scenario3: reduce permuted view: %w", err)
	}
	if red.Descriptor == nil || red.Descriptor.Strides == nil || red.Descriptor.TotalBufferLen == 0 {
		return fmt.Errorf("scenario3: expected a strided descriptor with total_buffer_len set")
	}
	if red.Descriptor.Filename != first.Descriptor.Filename {
		return fmt.Errorf("scenario3: permuted view should reuse the base array's file, not create a new one")
	}

	for _, idx := range [][]int64{{0, 0, 0}, {2, 1, 3}, {1, 0, 2}} {
		resp, err := client.RoundTrip(ipc.Message{Type: ipc.TypeSubmit, Action: "sample", Idx: idx, Descriptor: red.Descriptor})
		if err != nil {
			return fmt.Errorf("scenario3: round trip: %w", err)
		}
		rev := []int64{idx[1], idx[0], idx[2]}
		want := int64(readInt32(a, rev))
		if resp.SampleValue != want {
			return fmt.Errorf("scenario3: perm(%v) = %d, want a(%v) = %d", idx, resp.SampleValue, rev, want)
		}
	}

	fmt.Println("scenario 3 (permuted view round trip): ok")
	return nil
}

// scenarioBackwardReduction is spec.md §8 scenario 4. First half: the
// worker is handed a Descriptor (so the memmap is now in its owned set)
// and asked to echo it back — BackwardReducer must reuse it, never inline
// it. Second half: the same worker is asked for a freshly allocated array
// it owns no backing file for, which must come back inline.
func scenarioBackwardReduction(client *ipc.Client) error {
	zero := int64(0)
	mgr, ctxID := managerWithThreshold(&zero)
	defer mgr.Shutdown()

	fwd, _, err := mgr.Reducers(ctxID)
	if err != nil {
		return err
	}

	a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{4}, false)
	fillSequential(a)

	red, err := fwd.Reduce(a)
	if err != nil {
		return fmt.Errorf("scenario4: reduce: %w", err)
	}
	if red.Descriptor == nil {
		return fmt.Errorf("scenario4: expected the coordinator's own reduction to be descriptor-backed")
	}

	echo, err := client.RoundTrip(ipc.Message{Type: ipc.TypeSubmit, Action: "echo-view", Descriptor: red.Descriptor})
	if err != nil {
		return fmt.Errorf("scenario4: echo-view round trip: %w", err)
	}
	if echo.Descriptor == nil {
		return fmt.Errorf("scenario4: a view into a joblib-owned memmap must come back as a descriptor, not inline")
	}

	fresh, err := client.RoundTrip(ipc.Message{Type: ipc.TypeSubmit, Action: "fresh"})
	if err != nil {
		return fmt.Errorf("scenario4: fresh round trip: %w", err)
	}
	if fresh.Descriptor != nil || fresh.Inline == nil {
		return fmt.Errorf("scenario4: freshly allocated worker array must come back inline")
	}

	fmt.Println("scenario 4 (backward reduction never creates new files): ok")
	return nil
}

func fillSequential(a *arrayview.Ndarray) {
	n := 1
	for _, s := range a.Shape_ {
		n *= int(s)
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(a.Data[i*4:i*4+4], uint32(i))
	}
}

