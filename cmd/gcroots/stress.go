package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/kolkov/gcroots/gc"
)

// cell is the object type of the CLI workloads.
type cell struct {
	id   int
	next gc.Member[*cell]
	peer gc.WeakMember[*cell]
}

func (c *cell) Trace(v gc.Visitor) {
	c.next.Trace(v)
	c.peer.Trace(v)
}

// stressCommand churns persistents on many goroutines. Each round every
// worker attaches a thread state, allocates objects and roots them with
// both kinds of persistent, then disposes its own roots and hands half of
// its cross-thread roots to the main goroutine. The main goroutine
// collects once with the handed-off roots live and once after disposing
// them, and checks that everything but the shared object was reclaimed.
func stressCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file (default: search for gcroots.toml)")
	threads := fs.Int("threads", 0, "worker goroutines per round (default from config)")
	handles := fs.Int("handles", 0, "objects rooted per worker (default from config)")
	rounds := fs.Int("rounds", 0, "number of rounds (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("stress: unexpected argument %q", fs.Arg(0))
	}

	cfg, log, h, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	if *threads > 0 {
		cfg.Stress.Threads = *threads
	}
	if *handles > 0 {
		cfg.Stress.Handles = *handles
	}
	if *rounds > 0 {
		cfg.Stress.Rounds = *rounds
	}

	mainState, err := h.AttachMainThread()
	if err != nil {
		return errors.Join(err, h.Close())
	}
	shared := gc.New(h, &cell{id: -1})
	anchor := gc.NewPersistent(shared)
	baseCross := gc.LiveCrossThreadPersistents()

	log.Info().
		Int("threads", cfg.Stress.Threads).
		Int("handles", cfg.Stress.Handles).
		Int("rounds", cfg.Stress.Rounds).
		Str("mode", cfg.Heap.MarkingMode).
		Msg("stress started")

	for round := 1; round <= cfg.Stress.Rounds; round++ {
		if err = stressRound(h, shared, cfg.Stress.Threads, cfg.Stress.Handles, round, stdout); err != nil {
			break
		}
		if n := gc.LiveCrossThreadPersistents(); n != baseCross {
			err = fmt.Errorf("round %d: %d cross-thread persistents live, want %d", round, n, baseCross)
			break
		}
		if n := h.ObjectCount(); n != 1 {
			err = fmt.Errorf("round %d: %d objects survived, want 1", round, n)
			break
		}
	}

	anchor.Dispose()
	if derr := mainState.Detach(); derr != nil && err == nil {
		err = derr
	}
	if cerr := h.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Info().Uint64("collections", h.Collections()).Msg("stress finished")
	return nil
}

func stressRound(h *gc.Heap, shared *cell, threads, handles, round int, stdout io.Writer) error {
	handed := make([][]*gc.CrossThreadPersistent[*cell], threads)

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			out, err := stressWorker(ctx, h, shared, handles)
			handed[w] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, roots := range handed {
			disposeAll(roots)
		}
		return fmt.Errorf("round %d: %w", round, err)
	}

	held := h.Collect()
	for _, roots := range handed {
		disposeAll(roots)
	}
	after := h.Collect()

	fmt.Fprintf(stdout, "round %d: roots=%d marked=%d swept=%d live=%d\n",
		round, held.Roots, held.Marked, held.Swept+after.Swept, h.ObjectCount())
	return nil
}

// stressWorker runs on its own goroutine and returns the cross-thread
// roots it hands off.
func stressWorker(ctx context.Context, h *gc.Heap, shared *cell, handles int) (handed []*gc.CrossThreadPersistent[*cell], err error) {
	ts, err := h.AttachThread()
	if err != nil {
		return nil, err
	}

	locals := make([]*gc.Persistent[*cell], 0, handles)
	var prev *cell
	for i := 0; i < handles && ctx.Err() == nil; i++ {
		c := gc.New(h, &cell{id: i})
		c.next.Set(shared)
		if prev != nil {
			c.peer.Set(prev)
		}
		prev = c

		p := gc.NewPersistent(c)
		locals = append(locals, p.Clone())
		p.Dispose()

		cp := gc.NewCrossThreadPersistent(c)
		if i%2 == 0 {
			cp.Dispose()
			continue
		}
		handed = append(handed, cp)
	}

	for _, p := range locals {
		p.Dispose()
	}
	if gc.LivePersistents() != 0 {
		err = fmt.Errorf("%s: %d persistents live after dispose", ts, gc.LivePersistents())
	}
	if derr := ts.Detach(); derr != nil && err == nil {
		err = derr
	}
	return handed, err
}

func disposeAll(roots []*gc.CrossThreadPersistent[*cell]) {
	for _, p := range roots {
		p.Dispose()
	}
}
