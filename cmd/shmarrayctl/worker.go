package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kclejeune/shmarray/internal/arrayview"
	"github.com/kclejeune/shmarray/internal/backingstore"
	"github.com/kclejeune/shmarray/internal/descriptor"
	"github.com/kclejeune/shmarray/internal/ipc"
	"github.com/kclejeune/shmarray/internal/reducer"
)

// workerCmd is the hidden subcommand runCmd execs as a separate OS process
// to stand in for a joblib worker (spec §4.7, C7). It never creates a new
// shared backing file; it only answers "sample" (decode and read back one
// element), "echo-view" (reduce a decoded memmap view), and "fresh" (reduce
// a locally allocated array) — enough to exercise BackwardReducer's rule.
func workerCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal: run a demo worker process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), socket)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "control socket path")
	_ = cmd.MarkFlagRequired("socket")
	return cmd
}

func runWorker(parent context.Context, socket string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bwd := reducer.NewBackward()
	srv := ipc.NewServer(socket, func(req ipc.Message) ipc.Message {
		resp, err := handleWorkerMessage(bwd, req)
		if err != nil {
			slog.Error("worker: handling message failed", "action", req.Action, "error", err)
			return ipc.Message{Type: ipc.TypeError, Err: err.Error()}
		}
		return resp
	})

	return srv.Serve(ctx)
}

func handleWorkerMessage(bwd *reducer.BackwardReducer, req ipc.Message) (ipc.Message, error) {
	switch req.Action {
	case "sample":
		nd, err := decodeIncoming(req)
		if err != nil {
			return ipc.Message{}, err
		}
		return ipc.Message{Type: ipc.TypeResult, SampleValue: int64(readInt32(nd, req.Idx))}, nil

	case "echo-view":
		nd, err := decodeIncoming(req)
		if err != nil {
			return ipc.Message{}, err
		}
		if req.Descriptor != nil {
			bwd.MarkOwned(req.Descriptor.Filename)
		}
		red, err := bwd.Reduce(nd)
		if err != nil {
			return ipc.Message{}, fmt.Errorf("worker: echo-view reduce: %w", err)
		}
		return reducedToMessage(red)

	case "fresh":
		a := arrayview.NewContiguous(arrayview.DType{Name: "int32", ItemSize: 4}, []int64{4}, false)
		red, err := bwd.Reduce(a)
		if err != nil {
			return ipc.Message{}, fmt.Errorf("worker: fresh reduce: %w", err)
		}
		return reducedToMessage(red)

	default:
		return ipc.Message{}, fmt.Errorf("worker: unknown action %q", req.Action)
	}
}

// decodeIncoming reconstitutes the array carried by req, whichever form it
// was reduced to.
func decodeIncoming(req ipc.Message) (*arrayview.Ndarray, error) {
	if req.Descriptor != nil {
		open := backingstore.Open(req.Descriptor.DType.ItemSize)
		return descriptor.Decode(*req.Descriptor, open)
	}
	return ipc.DecodeInline(req.Inline)
}

func reducedToMessage(r reducer.Reduced) (ipc.Message, error) {
	if r.Descriptor != nil {
		return ipc.Message{Type: ipc.TypeResult, Descriptor: r.Descriptor}, nil
	}
	nd, ok := r.Inline.(*arrayview.Ndarray)
	if !ok {
		return ipc.Message{}, fmt.Errorf("worker: inline result has unexpected type %T", r.Inline)
	}
	data, err := ipc.EncodeInline(nd)
	if err != nil {
		return ipc.Message{}, err
	}
	return ipc.Message{Type: ipc.TypeResult, Inline: data}, nil
}

// readInt32 reads the int32 at idx within a, following a's own
// strides/offset (and its base chain for the underlying buffer).
func readInt32(a arrayview.Array, idx []int64) int32 {
	data := rootData(a)
	off := elemOffset(a, idx)
	return int32(binary.LittleEndian.Uint32(data[off : off+4]))
}

func elemOffset(a arrayview.Array, idx []int64) int64 {
	off := a.Offset()
	strides := a.Strides()
	for i, v := range idx {
		off += v * strides[i]
	}
	return off
}

func rootData(a arrayview.Array) []byte {
	root := arrayview.RootBase(a)
	nd, ok := root.(*arrayview.Ndarray)
	if !ok {
		return nil
	}
	return nd.Data
}
