package rawsocket

import "sync"

// chain is a strict FIFO task queue served by a single goroutine. A task
// never starts before the previous one has returned.
type chain struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newChain() *chain {
	c := &chain{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.run()
	return c
}

// push enqueues task. It reports false once the chain is closed.
func (c *chain) push(task func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// idle reports whether nothing is queued or running.
func (c *chain) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.running && len(c.tasks) == 0
}

// close stops accepting tasks. Tasks already queued still run, then the
// worker exits and done is closed. close does not wait, so it is safe to
// call from inside a task.
func (c *chain) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *chain) run() {
	defer close(c.done)
	for {
		c.mu.Lock()
		if len(c.tasks) == 0 {
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			<-c.wake
			continue
		}
		task := c.tasks[0]
		c.tasks[0] = nil
		c.tasks = c.tasks[1:]
		c.running = true
		c.mu.Unlock()

		task()

		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}
}
