package queue

import "errors"

var (
	// ErrClosed is returned by operations on a closed queue or handle.
	ErrClosed = errors.New("queue closed")
	// ErrReadOnly is returned when writing through a read-only queue.
	ErrReadOnly = errors.New("queue is read-only")
	// ErrHandleFinished is returned when using a write handle after Finish
	// or Close.
	ErrHandleFinished = errors.New("write handle already finished")
	// ErrIncompatible is returned when the queue metadata does not match
	// the configured roll cycle or epoch.
	ErrIncompatible = errors.New("queue metadata does not match configuration")
	// ErrSegmentBusy is returned when repairing a segment this process is
	// writing to.
	ErrSegmentBusy = errors.New("segment has an active writer")
	// ErrNoQueue is returned when opening a directory without a queue
	// read-only.
	ErrNoQueue = errors.New("no queue in directory")
	// ErrBeforeEpoch is returned when the clock reads a time before the
	// queue epoch.
	ErrBeforeEpoch = errors.New("time is before the queue epoch")
	// ErrPretoucherRunning is returned by Start on a running pretoucher.
	ErrPretoucherRunning = errors.New("pretoucher already running")
	// ErrSegmentNotFound is returned when a cycle has no segment file.
	ErrSegmentNotFound = errors.New("segment does not exist")
)
