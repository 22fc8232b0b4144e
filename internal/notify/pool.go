package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type PoolConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Pool delivers messages on a fixed set of workers fed by a bounded queue.
// Submit never blocks: when the queue is full the message is dropped.
type Pool struct {
	cfg       PoolConfig
	mailer    Mailer
	logger    *zap.SugaredLogger
	ch        chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu orders Submit against Close: nothing is enqueued once closed is set
	mu     sync.RWMutex
	closed bool
}

func NewPool(cfg PoolConfig, mailer Mailer, logger *zap.SugaredLogger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pool{
		cfg:    cfg,
		mailer: mailer,
		logger: logger,
		ch:     make(chan Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.ch:
			p.deliver(msg)
		case <-p.done:
			// drain what was accepted before Close
			for {
				select {
				case msg := <-p.ch:
					p.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout)
	defer cancel()
	if err := p.mailer.Send(ctx, msg); err != nil {
		p.logger.Errorw("email delivery failed", "message_id", msg.ID, "kind", msg.Kind, "to", msg.To, "err", err)
		return
	}
	p.logger.Infow("email sent", "message_id", msg.ID, "kind", msg.Kind, "to", msg.To)
}

// Submit enqueues msg and reports whether it was accepted.
func (p *Pool) Submit(msg Message) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.ch <- msg:
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warnw("notification queue full, message dropped", "message_id", msg.ID, "kind", msg.Kind, "to", msg.To)
		return false
	}
}

// Close stops intake and waits for queued messages to be delivered.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

func (p *Pool) Dropped() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}
