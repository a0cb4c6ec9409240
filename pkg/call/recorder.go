package call

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/pkg/logging"
)

const recordQueueSize = 256

type recordTask struct {
	callID string
	op     string
	fn     func() error
}

// recordWorker выполняет вызовы Recorder по порядку в отдельной горутине.
// Постановка в очередь никогда не блокирует звонок: при переполнении
// задача отбрасывается.
type recordWorker struct {
	recorder Recorder
	observer Observer
	logger   *logrus.Entry

	tasks     chan recordTask
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func newRecordWorker(recorder Recorder, observer Observer, logger *logrus.Entry) *recordWorker {
	w := &recordWorker{
		recorder: recorder,
		observer: observer,
		logger:   logging.OrDiscard(logger),
		tasks:    make(chan recordTask, recordQueueSize),
	}
	if recorder != nil {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *recordWorker) startRecord(callID, from, to string) {
	if w.recorder == nil {
		return
	}
	w.enqueue(recordTask{callID: callID, op: "start_record", fn: func() error {
		return w.recorder.StartRecord(callID, from, to)
	}})
}

func (w *recordWorker) addMetadata(callID, key, value string) {
	if w.recorder == nil {
		return
	}
	w.enqueue(recordTask{callID: callID, op: "add_metadata:" + key, fn: func() error {
		return w.recorder.AddMetadata(callID, key, value)
	}})
}

func (w *recordWorker) enqueue(t recordTask) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.tasks <- t:
	default:
		w.observer.RecorderFailed()
		w.logger.WithFields(logrus.Fields{"call_id": t.callID, "op": t.op}).Warn("очередь учета звонков переполнена")
	}
}

func (w *recordWorker) loop() {
	defer w.wg.Done()
	for t := range w.tasks {
		if err := w.run(t); err != nil {
			w.observer.RecorderFailed()
			w.logger.WithError(err).WithFields(logrus.Fields{"call_id": t.callID, "op": t.op}).Warn("ошибка учета звонка")
		}
	}
}

func (w *recordWorker) run(t recordTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn()
}

// close дожидается выполнения поставленных задач
func (w *recordWorker) close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.tasks)
		w.mu.Unlock()
		w.wg.Wait()
	})
}

// LogRecorder ведет учет звонков в журнале
type LogRecorder struct {
	Logger *logrus.Entry
}

func (r LogRecorder) StartRecord(callID, from, to string) error {
	logging.OrDiscard(r.Logger).WithFields(logrus.Fields{
		"call_id": callID,
		"from":    from,
		"to":      to,
	}).Info("учет: звонок начат")
	return nil
}

func (r LogRecorder) AddMetadata(callID, key, value string) error {
	logging.OrDiscard(r.Logger).WithFields(logrus.Fields{
		"call_id": callID,
		key:       value,
	}).Info("учет: метаданные")
	return nil
}
