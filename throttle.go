// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import "sync"

// throttle runs at most Max functions at a time. Wait returns the
// first error any of them returned; functions started after that
// error are skipped.
type throttle struct {
	Max int

	once  sync.Once
	slots chan struct{}
	wg    sync.WaitGroup
	mtx   sync.Mutex
	err   error
}

func (t *throttle) Go(fn func() error) {
	t.once.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.slots = make(chan struct{}, t.Max)
	})
	t.wg.Add(1)
	t.slots <- struct{}{}
	go func() {
		defer func() {
			<-t.slots
			t.wg.Done()
		}()
		if t.firstErr() != nil {
			return
		}
		if err := fn(); err != nil {
			t.mtx.Lock()
			if t.err == nil {
				t.err = err
			}
			t.mtx.Unlock()
		}
	}()
}

func (t *throttle) firstErr() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.firstErr()
}
