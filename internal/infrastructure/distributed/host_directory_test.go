package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLister struct {
	calls   int
	records []PresenceRecord
}

func (l *countingLister) Hosts(context.Context) ([]PresenceRecord, error) {
	l.calls++
	return l.records, nil
}

func TestHostDirectoryCachesListing(t *testing.T) {
	lister := &countingLister{records: []PresenceRecord{{EndpointID: "h1", InstanceID: "relay-a"}}}
	dir := NewHostDirectory(lister, time.Minute)
	t.Cleanup(dir.Close)

	for range 3 {
		hosts, err := dir.Hosts(context.Background())
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, "relay-a", hosts[0].InstanceID)
	}
	assert.Equal(t, 1, lister.calls)
}
