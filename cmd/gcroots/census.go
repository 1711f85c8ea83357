package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kolkov/gcroots/gc"
	"github.com/kolkov/gcroots/internal/heap/census"
)

// censusCommand builds a small object graph, collects, and writes a
// census of the roots that keep it alive.
func censusCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("census", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file (default: search for gcroots.toml)")
	output := fs.String("o", "-", "output file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, log, h, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	c, err := sampleCensus(h)
	if cerr := h.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if *output == "-" {
		return census.Write(stdout, c)
	}
	f, err := os.Create(*output)
	if err != nil {
		return err
	}
	if err := census.Write(f, c); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().Str("file", *output).Int("live", c.Live()).Msg("census written")
	return nil
}

// sampleCensus roots a chain of cells from the main thread state and a
// cross-thread persistent, collects, and snapshots the heap.
func sampleCensus(h *gc.Heap) (*census.Census, error) {
	ts, err := h.AttachMainThread()
	if err != nil {
		return nil, err
	}

	head := gc.New(h, &cell{id: 0})
	tail := head
	for i := 1; i < 8; i++ {
		c := gc.New(h, &cell{id: i})
		tail.next.Set(c)
		tail = c
	}
	gc.New(h, &cell{id: 100})

	roots := []*gc.Persistent[*cell]{
		gc.NewPersistent(head),
		gc.NewPersistent(tail),
	}
	shared := gc.NewCrossThreadPersistent(head)

	h.Collect()
	c := census.Take(h)

	shared.Dispose()
	for _, p := range roots {
		p.Dispose()
	}
	return c, ts.Detach()
}

func inspectCommand(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: gcroots inspect FILE")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	c, err := census.Read(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	c.Format(stdout)
	return nil
}
