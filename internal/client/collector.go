package client

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/ebikelink/internal/wire"
)

// Record is one decoded telemetry update received from the peripheral.
type Record struct {
	Time  time.Time  `json:"time"`
	Field wire.Field `json:"field"`
	Value float64    `json:"value"`

	// Raw is the notification payload as it arrived on the wire. It is
	// kept out of the JSON form; consumers that want it render it as hex.
	Raw []byte `json:"-"`
}

// CollectorMetrics provides lock-free metrics tracking for Collector.
// All fields use atomic operations for thread-safe access.
type CollectorMetrics struct {
	RecordsProcessed int64 // Total records successfully processed
	ErrorsOccurred   int64 // Total errors encountered

	// TODO: replace with the ring's own counter once https://github.com/hedzr/go-ringbuf/issues/7 lands
	RecordsOverwritten int64 // Records lost due to buffer overflow
}

// IncrementRecordsProcessed atomically increments the records processed counter
func (m *CollectorMetrics) IncrementRecordsProcessed() {
	atomic.AddInt64(&m.RecordsProcessed, 1)
}

// IncrementErrorsOccurred atomically increments the error counter
func (m *CollectorMetrics) IncrementErrorsOccurred() {
	atomic.AddInt64(&m.ErrorsOccurred, 1)
}

// IncrementRecordsOverwritten atomically increments the overwritten records counter
func (m *CollectorMetrics) IncrementRecordsOverwritten(count uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(count))
}

// GetRecordsProcessed atomically reads the record processed counter
func (m *CollectorMetrics) GetRecordsProcessed() int64 {
	return atomic.LoadInt64(&m.RecordsProcessed)
}

// GetErrorsOccurred atomically reads the error counter
func (m *CollectorMetrics) GetErrorsOccurred() int64 {
	return atomic.LoadInt64(&m.ErrorsOccurred)
}

// GetRecordsOverwritten atomically reads the overwritten records counter
func (m *CollectorMetrics) GetRecordsOverwritten() int64 {
	return atomic.LoadInt64(&m.RecordsOverwritten)
}

// Reset resets all counters to zero
func (m *CollectorMetrics) Reset() {
	atomic.StoreInt64(&m.RecordsProcessed, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
}

// Collector gathers telemetry records from the link's notification callbacks
// into a ring buffer and exposes them to a pluggable ConsumerFunc with
// metrics tracking. When the buffer fills, the oldest records are dropped so
// a stalled consumer sees the freshest window rather than stale history.
//
// All methods are thread-safe.
type Collector struct {
	records <-chan Record
	buffer  mpmc.RichOverlappedRingBuffer[Record]
	stop    chan struct{}
	done    chan struct{}    // signals when goroutine has stopped
	onError func(error)      // error handler, defaults to panic if nil
	metrics CollectorMetrics // lock-free metrics tracking
	state   uint32           // atomic state using CollectorState constants (uint32 required for atomic ops)
}

// Collector lifecycle states.
const (
	CollectorStateNotRunning uint32 = iota // Collector is not running and ready to start
	CollectorStateRunning                  // Collector is running and processing records
	CollectorStateStopping                 // Collector is in the process of stopping

	// MaxBufferSize sets an upper limit on the buffer size to guard against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// NewCollector creates a new collector draining ch.
// bufferSize sets the ring buffer size.
// onError is called when unexpected errors occur; if nil, it panics on any collecting error.
func NewCollector(ch <-chan Record, bufferSize uint32, onError func(error)) (*Collector, error) {
	if ch == nil {
		return nil, fmt.Errorf("record channel cannot be nil")
	}

	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}

	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}

	if onError == nil {
		onError = func(err error) {
			panic(fmt.Sprintf("telemetry collector: %v", err))
		}
	}

	return &Collector{
		records: ch,
		buffer:  mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onError: onError,
		state:   CollectorStateNotRunning,
	}, nil
}

// Start begins collecting records.
// Blocks until the collector goroutine is running or times out.
// Returns an error if already started or if startup takes too long.
func (c *Collector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateNotRunning, CollectorStateRunning) {
		currentState := atomic.LoadUint32(&c.state)
		switch currentState {
		case CollectorStateRunning:
			return fmt.Errorf("collector is already running")
		case CollectorStateStopping:
			return fmt.Errorf("collector is stopping, wait for it to finish")
		default:
			return fmt.Errorf("collector is in unknown state %d", currentState)
		}
	}

	// Fresh channels for this start cycle to prevent "close of closed channel" panics
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	// Buffered so the goroutine never blocks on the startup signal even if
	// the timeout below fires first.
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}

		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, CollectorStateNotRunning)
		}()
		for {
			select {
			case <-c.stop:
				return
			case rec, ok := <-c.records:
				if !ok {
					return // channel closed
				}
				// Ring buffer handles overflow by dropping the oldest
				if overwrites, err := c.buffer.EnqueueM(rec); err != nil {
					c.metrics.IncrementErrorsOccurred()
					c.onError(fmt.Errorf("unexpected buffer.Enqueue error: %w", err))
					return
				} else { //nolint:revive // symmetric branches read better here
					c.metrics.IncrementRecordsOverwritten(overwrites)
					c.metrics.IncrementRecordsProcessed()
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(1 * time.Second):
		// Timeout: stop the goroutine and wait for clean exit
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

// Stop stops collection.
// Returns an error if stopping takes longer than expected.
func (c *Collector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateRunning, CollectorStateStopping) {
		currentState := atomic.LoadUint32(&c.state)
		switch currentState {
		case CollectorStateNotRunning:
			return nil // Already stopped
		case CollectorStateStopping:
			// Already stopping, wait for completion below
		default:
			return fmt.Errorf("collector is in unknown state %d", currentState)
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		// We already signaled stop; block until the goroutine actually exits
		// so state stays consistent.
		<-c.done
		return fmt.Errorf("stop completed but exceeded 5s timeout (possible slow shutdown or deadlock)")
	}
}

// GetState returns the current state of the collector
func (c *Collector) GetState() uint32 {
	return atomic.LoadUint32(&c.state)
}

// GetMetrics returns a copy of the current metrics
func (c *Collector) GetMetrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   c.metrics.GetRecordsProcessed(),
		ErrorsOccurred:     c.metrics.GetErrorsOccurred(),
		RecordsOverwritten: c.metrics.GetRecordsOverwritten(),
	}
}

// ResetMetrics atomically resets all metric counters
func (c *Collector) ResetMetrics() {
	c.metrics.Reset()
}

// ConsumerFunc defines the signature of a function that consumes buffered records.
//
// Protocol:
// - If record != nil: Process the record.
// Return (zero, nil) to continue processing more records.
// Return (result, nil) to stop early with a final result.
// - If record == nil: No more records will be provided.
// Return the final accumulated result.
//
// The function is responsible for managing any internal state or buffers
// needed across calls.
//
// For a ready-to-use implementation, see BatchConsumerFunc.
type ConsumerFunc[T any] func(record *Record) (T, error)

// BatchConsumerFunc returns a ConsumerFunc that gathers every drained record
// into a single ordered batch.
func BatchConsumerFunc() ConsumerFunc[[]Record] {
	var batch []Record
	return func(record *Record) ([]Record, error) {
		if record == nil {
			// No more data - return the accumulated batch
			return batch, nil
		}
		batch = append(batch, *record)
		return nil, nil // Continue processing
	}
}

// ConsumeRecords drains all buffered records and passes them to the given ConsumerFunc.
//
// The consumer decides when to stop and what result to return. See ConsumerFunc for the processing protocol.
func ConsumeRecords[T any](c *Collector, consumer ConsumerFunc[T]) (T, error) {
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("buffer dequeue error: %w", err)
		}

		result, err := consumer(&rec)
		if err != nil {
			return result, err
		}

		// Non-zero result means the consumer wants to stop early
		if !isZeroValue(result) {
			return result, nil
		}
	}

	// No more data - call consumer with nil to get final result
	return consumer(nil)
}

// isZeroValue checks if a value is the zero value for its type
func isZeroValue[T any](v T) bool {
	var zero T
	return reflect.DeepEqual(v, zero)
}

// Drain returns every record currently buffered, oldest first.
func (c *Collector) Drain() ([]Record, error) {
	return ConsumeRecords(c, BatchConsumerFunc())
}
