package call

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecorder(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := LogRecorder{Logger: logrus.NewEntry(logger)}

	require.NoError(t, r.StartRecord("c1", "1001", "112"))
	require.NoError(t, r.AddMetadata("c1", "emergency", "true"))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "1001", entries[0].Data["from"])
	assert.Equal(t, "112", entries[0].Data["to"])
	assert.Equal(t, "true", entries[1].Data["emergency"])
	assert.Equal(t, "c1", entries[1].Data["call_id"])

	assert.NoError(t, LogRecorder{}.StartRecord("c2", "a", "b"))
}

type orderedRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *orderedRecorder) StartRecord(callID, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "start:"+callID)
	return nil
}

func (r *orderedRecorder) AddMetadata(callID, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, key+"="+value)
	return nil
}

func TestRecordWorker_PreservesOrder(t *testing.T) {
	rec := &orderedRecorder{}
	w := newRecordWorker(rec, NopObserver{}, nil)

	w.startRecord("c1", "1001", "2002")
	w.addMetadata("c1", "k1", "v1")
	w.addMetadata("c1", "k2", "v2")
	w.close()
	// после close задачи не принимаются
	w.addMetadata("c1", "late", "x")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"start:c1", "k1=v1", "k2=v2"}, rec.ops)
}
