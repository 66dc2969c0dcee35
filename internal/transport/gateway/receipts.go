// Copyright 2025 The Trawl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"
	"time"
)

// receiptCache remembers which task acks and result reports already
// succeeded, for a bounded window. A retry after a reconnect-with-
// partial-success is answered from cache instead of re-invoking the
// server. It also keeps the receipt→task mapping acks need, since
// receipts are opaque to the client.
type receiptCache struct {
	mu  sync.Mutex
	ttl time.Duration
	// settled maps "ack:<task_id>" / "result:<task_id>" to expiry.
	settled map[string]time.Time
	// tasks maps receipt to task_id with the same expiry discipline.
	tasks map[string]taskRef

	now func() time.Time
}

type taskRef struct {
	taskID  string
	expires time.Time
}

func newReceiptCache(ttl time.Duration) *receiptCache {
	return &receiptCache{
		ttl:     ttl,
		settled: make(map[string]time.Time),
		tasks:   make(map[string]taskRef),
		now:     time.Now,
	}
}

// bind records which task a receipt belongs to, at poll time.
func (c *receiptCache) bind(receipt, taskID string) {
	if receipt == "" || taskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.tasks[receipt] = taskRef{taskID: taskID, expires: c.now().Add(c.ttl)}
}

// taskFor resolves a receipt to its task, if the binding is still live.
func (c *receiptCache) taskFor(receipt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.tasks[receipt]
	if !ok || c.now().After(ref.expires) {
		return ""
	}
	return ref.taskID
}

// settle marks an outcome key ("ack:<id>" or "result:<id>") done.
func (c *receiptCache) settle(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.settled[key] = c.now().Add(c.ttl)
}

// done reports whether an outcome key already succeeded.
func (c *receiptCache) done(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.settled[key]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.settled, key)
		return false
	}
	return true
}

// prune drops expired entries. Called with mu held.
func (c *receiptCache) prune() {
	now := c.now()
	for k, exp := range c.settled {
		if now.After(exp) {
			delete(c.settled, k)
		}
	}
	for r, ref := range c.tasks {
		if now.After(ref.expires) {
			delete(c.tasks, r)
		}
	}
}
