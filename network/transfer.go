package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lanwarp/models"
)

// Transfer is one file operation owned by the application.
//
// StartTime doubles as the transfer's identity within a remote.
type Transfer interface {
	StartTime() int64
	Offer() models.TransferOffer
	Status() models.TransferStatus
	SetStatus(models.TransferStatus)
	// ReceiveChunk applies one chunk and returns false to stop receiving.
	ReceiveChunk(models.FileChunk) bool
	FinishReceive()
}

// FindTransfer returns the transfer registered under startTime.
func (r *Remote) FindTransfer(startTime int64) (Transfer, bool) {
	r.transferMu.Lock()
	defer r.transferMu.Unlock()
	for _, t := range r.transfers {
		if t.StartTime() == startTime {
			return t, true
		}
	}
	return nil, false
}

// AddTransfer registers t. Start times are unique per remote.
func (r *Remote) AddTransfer(t Transfer) error {
	if t == nil {
		return errors.New("transfer is required")
	}
	r.transferMu.Lock()
	defer r.transferMu.Unlock()
	for _, existing := range r.transfers {
		if existing.StartTime() == t.StartTime() {
			return fmt.Errorf("%w: start time %d", ErrDuplicateTransfer, t.StartTime())
		}
	}
	r.transfers = append(r.transfers, t)
	return nil
}

// RemoveTransfer forgets the transfer registered under startTime.
func (r *Remote) RemoveTransfer(startTime int64) bool {
	r.transferMu.Lock()
	defer r.transferMu.Unlock()
	for i, t := range r.transfers {
		if t.StartTime() == startTime {
			r.transfers = append(r.transfers[:i], r.transfers[i+1:]...)
			return true
		}
	}
	return false
}

// Transfers returns the registered transfers in insertion order.
func (r *Remote) Transfers() []Transfer {
	r.transferMu.Lock()
	defer r.transferMu.Unlock()
	return append([]Transfer(nil), r.transfers...)
}

func (r *Remote) transferCount() int {
	r.transferMu.Lock()
	defer r.transferMu.Unlock()
	return len(r.transfers)
}

// StartSendTransfer offers t to the peer. Delivery failures are only logged.
func (r *Remote) StartSendTransfer(t Transfer) error {
	ch := r.connectedChannel()
	if ch == nil {
		return ErrNotConnected
	}

	offer := t.Offer()
	req := &TransferOpRequest{
		Info:            r.opInfo(t),
		SenderName:      senderName(),
		Receiver:        r.UUID(),
		Size:            offer.TotalSize,
		Count:           offer.FileCount,
		NameIfSingle:    offer.SingleName,
		MimeIfSingle:    offer.SingleMime,
		TopDirBasenames: append([]string(nil), offer.TopDirBasenames...),
	}
	ch.Go(MethodProcessTransferOpRequest, req)
	return nil
}

// StartReceiveTransfer streams t's chunks from the peer on a background task.
//
// The stream lives as long as the peer keeps sending, so it runs outside the
// dispatcher's worker slots.
func (r *Remote) StartReceiveTransfer(t Transfer) error {
	ch := r.connectedChannel()
	if ch == nil {
		return ErrNotConnected
	}
	if !r.opts.Dispatcher.Spawn(func(ctx context.Context) {
		r.receiveTransfer(ctx, ch, t)
	}) {
		return ErrDispatcherClosed
	}
	return nil
}

// DeclineTransfer tells the peer the offer for t was refused.
func (r *Remote) DeclineTransfer(t Transfer) error {
	ch := r.connectedChannel()
	if ch == nil {
		return ErrNotConnected
	}
	info := r.opInfo(t)
	ch.Go(MethodCancelTransferOpRequest, &info)
	return nil
}

// StopTransfer tells the peer to stop t, flagging whether it failed.
func (r *Remote) StopTransfer(t Transfer, isError bool) error {
	ch := r.connectedChannel()
	if ch == nil {
		return ErrNotConnected
	}
	ch.Go(MethodStopTransfer, &StopInfo{
		Info:  r.opInfo(t),
		Error: isError,
	})
	return nil
}

func (r *Remote) receiveTransfer(dispatcherCtx context.Context, ch *Channel, t Transfer) {
	ctx, cancel := context.WithCancel(ch.Context())
	defer cancel()
	stop := context.AfterFunc(dispatcherCtx, cancel)
	defer stop()

	logger := r.logger.WithField("transfer", t.StartTime())
	info := r.opInfo(t)
	stream, err := ch.Stream(ctx, MethodStartTransfer, &info)
	if err != nil {
		r.settleTransfer(t, err)
		return
	}

	received := 0
	for {
		var chunk FileChunk
		err := stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			if ctx.Err() == nil {
				logger.Debugf("transfer stream complete after %d chunks", received)
				t.FinishReceive()
				return
			}
			err = ctx.Err()
		}
		if err != nil {
			r.settleTransfer(t, err)
			return
		}

		received++
		if !t.ReceiveChunk(chunk.model()) {
			logger.Debugf("transfer stopped locally after %d chunks", received)
			return
		}
	}
}

func (r *Remote) settleTransfer(t Transfer, err error) {
	logger := r.logger.WithField("transfer", t.StartTime())
	if isCancellation(err) {
		logger.Infof("%v: %v", ErrStreamCancelled, err)
		t.SetStatus(models.TransferStopped)
		r.opts.Metrics.transferOutcome(models.TransferStopped)
	} else {
		logger.Warnf("%v: %v", ErrStreamFailed, err)
		t.SetStatus(models.TransferFailed)
		r.opts.Metrics.transferOutcome(models.TransferFailed)
	}
	if r.opts.Observer != nil {
		r.opts.Observer.TransferChanged(r.UUID(), t)
	}
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func (r *Remote) opInfo(t Transfer) OpInfo {
	return OpInfo{
		Ident:        r.opts.Local.UUID,
		Timestamp:    t.StartTime(),
		ReadableName: r.opts.Local.DisplayName,
	}
}

func senderName() string {
	return runtime.GOOS
}
