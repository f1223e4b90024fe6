package relay

// Fanout is the shared worker pool that pushes one payload to many local
// clients. Deliver never blocks; a client that cannot take the payload is
// reported through onFail and the remaining members still get the event.

type fanoutJob struct {
	clients []*Client
	payload []byte
	onFail  func(c *Client, err error)
}

type Fanout struct {
	jobs chan fanoutJob
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{jobs: make(chan fanoutJob, queue)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range f.jobs {
				for _, c := range job.clients {
					if err := c.Deliver(job.payload); err != nil && job.onFail != nil {
						job.onFail(c, err)
					}
				}
			}
		}()
	}
	return f
}

// Broadcast enqueues a delivery job. Blocks only when the job queue itself
// is full, which backpressures the single bus consumer, not client code.
func (f *Fanout) Broadcast(clients []*Client, payload []byte, onFail func(c *Client, err error)) {
	if len(clients) == 0 || len(payload) == 0 {
		return
	}
	f.jobs <- fanoutJob{clients: clients, payload: payload, onFail: onFail}
}

// Close stops the workers once pending jobs drain.
func (f *Fanout) Close() {
	close(f.jobs)
}
