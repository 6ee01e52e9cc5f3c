package store

import (
	"context"

	"go.uber.org/zap"
)

type writeOpType int

const (
	opPutDocument writeOpType = iota
	opDeleteDocument
	opPutArtifact
)

// writeOp is a single write with its response channel
type writeOp struct {
	opType   writeOpType
	data     interface{}
	response chan error
}

// writeQueue funnels every write through one goroutine so SQLite never
// sees two writers
type writeQueue struct {
	queue  chan writeOp
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

func newWriteQueue(db *Store) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	wq := &writeQueue{
		queue:  make(chan writeOp, 100),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: db.logger,
	}

	go wq.processQueue(db)

	return wq
}

func (wq *writeQueue) processQueue(db *Store) {
	defer close(wq.done)

	for {
		select {
		case <-wq.ctx.Done():
			// drain what was accepted before shutdown
			for {
				select {
				case op := <-wq.queue:
					wq.executeOp(db, op)
				default:
					wq.logger.Debug("write queue stopped")
					return
				}
			}

		case op := <-wq.queue:
			wq.executeOp(db, op)
		}
	}
}

func (wq *writeQueue) executeOp(db *Store, op writeOp) {
	var err error

	switch op.opType {
	case opPutDocument:
		err = db.putDocumentDirect(op.data.(putDocumentParams))
	case opDeleteDocument:
		err = db.deleteDocumentDirect(op.data.(deleteDocumentParams))
	case opPutArtifact:
		err = db.putArtifactDirect(op.data.(putArtifactParams))
	}

	if err != nil {
		wq.logger.Debug("write failed", zap.Int("op", int(op.opType)), zap.Error(err))
	}
	op.response <- err
}

// enqueue submits a write and waits for its result
func (wq *writeQueue) enqueue(opType writeOpType, data interface{}) error {
	response := make(chan error, 1)
	op := writeOp{opType: opType, data: data, response: response}

	select {
	case <-wq.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case wq.queue <- op:
	case <-wq.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-response:
		return err
	case <-wq.done:
		// the drain may have raced with our send
		select {
		case err := <-response:
			return err
		default:
			return ErrClosed
		}
	}
}

func (wq *writeQueue) shutdown() {
	wq.cancel()
	<-wq.done
}

type putDocumentParams struct {
	kind string
	id   string
	body []byte
}

type deleteDocumentParams struct {
	kind string
	id   string
}

type putArtifactParams struct {
	ref         string
	contentType string
	data        []byte
}
