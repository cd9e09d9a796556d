// Copyright 2022 The devicemq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
)

// Task a unit of work submitted to a TaskProcessor
type Task struct {
	// Action selects the handler which executes the task
	Action string
	// PartitionKey tasks sharing a partition key are executed in submission order.
	// Usually the device ID.
	PartitionKey string
	// Param the task parameter
	Param interface{}
}

// TaskHandler a handler function which execute a task
type TaskHandler func(ctxt context.Context, task Task) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit queue a task for processing. Blocks while the processor's buffer is full.
	Submit(ctxt context.Context, task Task) error
	// Process execute a task in the caller's goroutine
	Process(ctxt context.Context, task Task) error
	// SetHandlers replace the action to handler mapping
	SetHandlers(newMap map[string]TaskHandler) error
	// AddHandler add an entry to the action to handler mapping
	AddHandler(action string, handler TaskHandler) error
	// StartEventLoop start the processing event loop
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop the processing event loop
	StopEventLoop() error
}

type queuedTask struct {
	ctxt context.Context
	task Task
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name          string
	operationCtxt context.Context
	cancel        context.CancelFunc
	newTasks      chan queuedTask
	lock          sync.RWMutex
	handlers      map[string]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("%w: task buffer must be positive", ErrInvalidRequest)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	opCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:     Component{LogTags: logTags},
		name:          name,
		operationCtxt: opCtxt,
		cancel:        cancel,
		newTasks:      make(chan queuedTask, taskBuffer),
		handlers:      make(map[string]TaskHandler),
	}, nil
}

// Submit queue a new task for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, task Task) error {
	if p.operationCtxt.Err() != nil {
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
	log.WithFields(p.LogTagsFor(ctxt)).Debugf("Accepting new '%s' task", task.Action)
	select {
	case p.newTasks <- queuedTask{ctxt: ctxt, task: task}:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtxt.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetHandlers update the action to handler mapping
func (p *taskProcessorImpl) SetHandlers(newMap map[string]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task handler mapping")
	p.lock.Lock()
	defer p.lock.Unlock()
	p.handlers = make(map[string]TaskHandler, len(newMap))
	for action, handler := range newMap {
		p.handlers[action] = handler
	}
	return nil
}

// AddHandler add a new entry to the action to handler mapping
func (p *taskProcessorImpl) AddHandler(action string, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Adding handler for '%s'", action)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.handlers[action] = handler
	return nil
}

// Process execute a task with the handler registered for its action
func (p *taskProcessorImpl) Process(ctxt context.Context, task Task) error {
	p.lock.RLock()
	handler, ok := p.handlers[task.Action]
	p.lock.RUnlock()
	if !ok {
		return fmt.Errorf("[TP %s] %w: '%s'", p.name, ErrUnknownAction, task.Action)
	}
	return handler(ctxt, task)
}

// StopEventLoop stop the task processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.cancel()
	return nil
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtxt.Done():
				return
			case queued := <-p.newTasks:
				if err := p.Process(queued.ctxt, queued.task); err != nil {
					log.WithError(err).WithFields(p.LogTagsFor(queued.ctxt)).Errorf(
						"Failed to process '%s' task", queued.task.Action,
					)
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implement TaskProcessor with multiple parallel workers. Tasks
// are routed to workers by partition key.
type taskDemuxProcessorImpl struct {
	Component
	name     string
	workers  []TaskProcessor
	routeIdx uint32
}

// GetNewTaskDemuxProcessorInstance get instance of TaskDemuxProcessor
func GetNewTaskDemuxProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("%w: worker count must be positive", ErrInvalidRequest)
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			ctxt, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: Component{LogTags: logTags},
		name:      name,
		workers:   workers,
	}, nil
}

// route select the worker for a task. Tasks without a partition key are spread
// round-robin.
func (p *taskDemuxProcessorImpl) route(task Task) TaskProcessor {
	if task.PartitionKey == "" {
		idx := atomic.AddUint32(&p.routeIdx, 1)
		return p.workers[int(idx)%len(p.workers)]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(task.PartitionKey))
	return p.workers[int(hasher.Sum32()%uint32(len(p.workers)))]
}

// Submit submit a new task to the worker owning its partition
func (p *taskDemuxProcessorImpl) Submit(ctxt context.Context, task Task) error {
	return p.route(task).Submit(ctxt, task)
}

// Process execute a task in the caller's goroutine
func (p *taskDemuxProcessorImpl) Process(ctxt context.Context, task Task) error {
	return p.route(task).Process(ctxt, task)
}

// SetHandlers update the handler mapping for all workers
func (p *taskDemuxProcessorImpl) SetHandlers(newMap map[string]TaskHandler) error {
	for _, worker := range p.workers {
		if err := worker.SetHandlers(newMap); err != nil {
			return err
		}
	}
	return nil
}

// AddHandler add a new entry to the handler mapping of all workers
func (p *taskDemuxProcessorImpl) AddHandler(action string, handler TaskHandler) error {
	for _, worker := range p.workers {
		if err := worker.AddHandler(action, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start the worker event loops
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop the worker event loops
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
