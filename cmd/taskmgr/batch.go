package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	taskmanager "github.com/Swind/go-task-manager"
)

// batchFile is the YAML document accepted by --batch:
//
//	tasks:
//	  - name: fetch
//	    strategy: thread
//	    handler: sleep
//	    steps: 4
//	    delay: 250ms
type batchFile struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	Name     string        `yaml:"name"`
	Strategy string        `yaml:"strategy"`
	Handler  string        `yaml:"handler"`
	Steps    int           `yaml:"steps"`
	Delay    time.Duration `yaml:"delay"`
	Message  string        `yaml:"message"`
}

// job is the payload of every catalog handler. It crosses the process
// boundary as JSON.
type job struct {
	Steps   int           `json:"steps"`
	Delay   time.Duration `json:"delay"`
	Message string        `json:"message,omitempty"`
	Step    int           `json:"step"`
}

var catalog = map[string]taskmanager.Handler[job]{
	"sleep": sleepHandler,
	"fail":  failHandler,
	"panic": panicHandler,
	"crash": crashHandler,
}

func loadBatch(path string) (*batchFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var b batchFile
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse batch %s: %w", path, err)
	}
	return &b, nil
}

// specs turns the batch into task specs, in file order.
func (b *batchFile) specs() ([]taskmanager.Spec, error) {
	specs := make([]taskmanager.Spec, 0, len(b.Tasks))
	for i, t := range b.Tasks {
		strategy, err := taskmanager.ParseStrategy(t.Strategy)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, t.Name, err)
		}
		handler, ok := catalog[t.Handler]
		if !ok {
			return nil, fmt.Errorf("task %d (%s): unknown handler %q", i, t.Name, t.Handler)
		}
		if t.Handler == "crash" && strategy != taskmanager.StrategyProcess {
			return nil, fmt.Errorf("task %d (%s): the crash handler needs the process strategy", i, t.Name)
		}
		if t.Steps < 0 || t.Delay < 0 {
			return nil, fmt.Errorf("task %d (%s): steps and delay must not be negative", i, t.Name)
		}
		steps := t.Steps
		if steps == 0 {
			steps = 1
		}
		data := job{Steps: steps, Delay: t.Delay, Message: t.Message}
		specs = append(specs, taskmanager.NewTaskSpec(t.Name, strategy, data, handler))
	}
	return specs, nil
}

// advance performs steps until the job reaches step upto, reporting progress
// after each one.
func advance(ctx context.Context, t taskmanager.Task[job], upto int) error {
	d := t.Data()
	delay := d.Delay
	for d.Step < upto {
		err := t.Await(ctx, func(ctx context.Context) error {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return err
		}
		d.Step++
		if err := t.UpdateProgress(float64(d.Step) / float64(d.Steps)); err != nil {
			return err
		}
		if err := t.Yield(ctx); err != nil {
			return err
		}
	}
	return nil
}

func sleepHandler(ctx context.Context, t taskmanager.Task[job]) error {
	return advance(ctx, t, t.Data().Steps)
}

func failHandler(ctx context.Context, t taskmanager.Task[job]) error {
	if err := advance(ctx, t, t.Data().Steps/2); err != nil {
		return err
	}
	msg := t.Data().Message
	if msg == "" {
		msg = "failed as configured"
	}
	return errors.New(msg)
}

func panicHandler(ctx context.Context, t taskmanager.Task[job]) error {
	if err := advance(ctx, t, t.Data().Steps/2); err != nil {
		return err
	}
	msg := t.Data().Message
	if msg == "" {
		msg = "panicked as configured"
	}
	panic(msg)
}

// crashHandler kills its worker process half way through.
func crashHandler(ctx context.Context, t taskmanager.Task[job]) error {
	if err := advance(ctx, t, t.Data().Steps/2); err != nil {
		return err
	}
	os.Exit(3)
	return nil
}
