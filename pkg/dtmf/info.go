package dtmf

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"
)

const (
	ContentTypeDTMFRelay = "application/dtmf-relay"
	ContentTypeDTMF      = "application/dtmf"
)

// InfoQueue FIFO цифр из SIP INFO одного звонка
type InfoQueue struct {
	mu     sync.Mutex
	items  []Digit
	limit  int
	notify chan struct{}
}

// NewInfoQueue создает очередь. limit <= 0 снимает ограничение.
func NewInfoQueue(limit int) *InfoQueue {
	return &InfoQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// Push добавляет цифру. false, если очередь заполнена.
func (q *InfoQueue) Push(d Digit) bool {
	q.mu.Lock()
	if q.limit > 0 && len(q.items) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop забирает первую цифру без ожидания
func (q *InfoQueue) Pop() (Digit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// Len количество цифр в очереди
func (q *InfoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notify сигнализирует о добавлении цифры
func (q *InfoQueue) Notify() <-chan struct{} {
	return q.notify
}

// ParseInfoBody извлекает цифру из тела SIP INFO.
//
// application/dtmf-relay: строки key=value, цифра в Signal (символ или
// код события 0-15). application/dtmf: тело из одного символа или кода.
func ParseInfoBody(contentType string, body []byte) (Digit, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("некорректный Content-Type %q: %w", contentType, err)
	}

	switch mediaType {
	case ContentTypeDTMFRelay:
		scanner := bufio.NewScanner(bytes.NewReader(body))
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "signal") {
				continue
			}
			return parseSignal(strings.TrimSpace(value))
		}
		return 0, fmt.Errorf("%w: в теле dtmf-relay нет Signal", ErrInvalidEvent)
	case ContentTypeDTMF:
		return parseSignal(strings.TrimSpace(string(body)))
	default:
		return 0, fmt.Errorf("неподдерживаемый Content-Type %q", mediaType)
	}
}

func parseSignal(value string) (Digit, error) {
	if len(value) == 1 {
		return ParseDigit(rune(value[0]))
	}
	code, err := strconv.Atoi(value)
	if err != nil || code < 0 || !Digit(code).Valid() {
		return 0, fmt.Errorf("%w: сигнал %q", ErrInvalidEvent, value)
	}
	return Digit(code), nil
}
