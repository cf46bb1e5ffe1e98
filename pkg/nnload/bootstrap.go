package nnload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

type ReadinessState int

const (
	ReadinessNotStarted ReadinessState = iota
	ReadinessLoading
	ReadinessReady
	ReadinessFailed
)

func (s ReadinessState) String() string {
	switch s {
	case ReadinessNotStarted:
		return "NotStarted"
	case ReadinessLoading:
		return "Loading"
	case ReadinessReady:
		return "Ready"
	case ReadinessFailed:
		return "Failed"
	}
	return fmt.Sprintf("ReadinessState(%d)", int(s))
}

type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskLoading
	TaskDone
	TaskFailed
)

// LoadTask is one named, independent piece of loading work
type LoadTask struct {
	Name string
	Load func(ctx context.Context) error
}

// TaskState is the completion state of a single LoadTask
type TaskState struct {
	Name   string
	Status TaskStatus
	Err    error
}

// Bootstrap is a barrier over a fixed set of load tasks.
// All tasks run concurrently. The bootstrap becomes Ready only once every task is done,
// and Failed if any of them fails. Both of those states are terminal.
type Bootstrap struct {
	log   logs.Log
	tasks []LoadTask

	lock   sync.Mutex
	state  ReadinessState
	status []TaskState
	err    error
	done   chan struct{}
}

func NewBootstrap(log logs.Log, tasks []LoadTask) *Bootstrap {
	b := &Bootstrap{
		log:   log,
		tasks: tasks,
		done:  make(chan struct{}),
	}
	for _, t := range tasks {
		b.status = append(b.status, TaskState{Name: t.Name})
	}
	return b
}

// Start all tasks. Returns immediately.
// Calling Start more than once is an error.
func (b *Bootstrap) Start(ctx context.Context) error {
	b.lock.Lock()
	if b.state != ReadinessNotStarted {
		b.lock.Unlock()
		return errors.New("Bootstrap already started")
	}
	b.state = ReadinessLoading
	b.lock.Unlock()

	go b.run(ctx)
	return nil
}

func (b *Bootstrap) run(ctx context.Context) {
	// We deliberately don't use errgroup.WithContext here. If one model fails, the other is
	// allowed to finish, so that every task ends up with an accurate state of its own.
	var g errgroup.Group
	for i := range b.tasks {
		g.Go(func() error {
			b.setTask(i, TaskLoading, nil)
			err := b.tasks[i].Load(ctx)
			if err != nil {
				b.log.Errorf("Loading %v failed: %v", b.tasks[i].Name, err)
				b.setTask(i, TaskFailed, err)
				return fmt.Errorf("%v: %w", b.tasks[i].Name, err)
			}
			b.log.Infof("Loaded %v", b.tasks[i].Name)
			b.setTask(i, TaskDone, nil)
			return nil
		})
	}
	err := g.Wait()

	b.lock.Lock()
	if err != nil {
		b.state = ReadinessFailed
		b.err = err
	} else {
		b.state = ReadinessReady
	}
	b.lock.Unlock()
	close(b.done)
}

func (b *Bootstrap) setTask(i int, status TaskStatus, err error) {
	b.lock.Lock()
	b.status[i].Status = status
	b.status[i].Err = err
	b.lock.Unlock()
}

func (b *Bootstrap) State() ReadinessState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}

func (b *Bootstrap) Ready() bool {
	return b.State() == ReadinessReady
}

func (b *Bootstrap) Failed() bool {
	return b.State() == ReadinessFailed
}

// Returns the first error, if the bootstrap failed
func (b *Bootstrap) Err() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.err
}

// Tasks returns a copy of the state of every task
func (b *Bootstrap) Tasks() []TaskState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]TaskState(nil), b.status...)
}

// Done is closed when the bootstrap reaches Ready or Failed
func (b *Bootstrap) Done() <-chan struct{} {
	return b.done
}

// Wait until the bootstrap is Ready or Failed, or ctx expires
func (b *Bootstrap) Wait(ctx context.Context) (ReadinessState, error) {
	select {
	case <-b.done:
		return b.State(), b.Err()
	case <-ctx.Done():
		return b.State(), ctx.Err()
	}
}
