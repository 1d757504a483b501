package state

import (
	"fmt"
	"time"
)

// Dispatch queues fun to run on the main goroutine without waiting for it.
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		// the channel is closed once the main loop exits
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("dispatch after shutdown: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

type result[T any] struct {
	val T
	err error
}

// DispatchWait runs fun on the main goroutine and waits for its result.
func DispatchWait[T any](e *Env, fun func(*State) (T, error)) (T, error) {
	ret := make(chan result[T], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- result[T]{res, err}
		return nil
	})
	select {
	case res := <-ret:
		return res.val, res.err
	case <-e.Context.Done():
		var zero T
		return zero, e.Context.Err()
	}
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if e.Context.Err() == nil {
			e.Dispatch(fun)
		}
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Dispatch(fun)
		case <-e.Context.Done():
			return
		}
	}
}

// RepeatTask dispatches fun every delay until the context is cancelled.
func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
