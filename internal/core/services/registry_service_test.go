package services

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointRegistry_RegisterLookupRemove(t *testing.T) {
	r := NewEndpointRegistry()

	ep, err := r.Register("a", &fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUnknown, ep.Role)

	got, err := r.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, ep.ConnectedAt, got.ConnectedAt)

	_, err = r.Register("a", &fakeConn{})
	assert.ErrorIs(t, err, domain.ErrDuplicateEndpoint)

	removed, ok := r.Remove("a")
	assert.True(t, ok)
	assert.Equal(t, domain.EndpointID("a"), removed.ID)

	_, ok = r.Remove("a")
	assert.False(t, ok)

	_, err = r.Lookup("a")
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)
	_, err = r.Conn("a")
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)

	_, err = r.Register("", &fakeConn{})
	assert.Error(t, err)
}

func TestEndpointRegistry_SetRole(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.Role
		to      domain.Role
		wantErr error
	}{
		{"unknown to host", domain.RoleUnknown, domain.RoleHost, nil},
		{"unknown to controller", domain.RoleUnknown, domain.RoleController, nil},
		{"host re-announce", domain.RoleHost, domain.RoleHost, nil},
		{"host to controller", domain.RoleHost, domain.RoleController, domain.ErrInvalidRole},
		{"controller to host", domain.RoleController, domain.RoleHost, domain.ErrInvalidRole},
		{"back to unknown", domain.RoleHost, domain.RoleUnknown, domain.ErrInvalidRole},
		{"garbage role", domain.RoleUnknown, domain.Role("admin"), domain.ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewEndpointRegistry()
			_, err := r.Register("e", &fakeConn{})
			require.NoError(t, err)
			if tt.from != domain.RoleUnknown {
				_, err = r.SetRole("e", tt.from)
				require.NoError(t, err)
			}

			_, err = r.SetRole("e", tt.to)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				ep, _ := r.Lookup("e")
				assert.Equal(t, tt.from, ep.Role)
				return
			}
			require.NoError(t, err)
		})
	}

	r := NewEndpointRegistry()
	_, err := r.SetRole("ghost", domain.RoleHost)
	assert.ErrorIs(t, err, domain.ErrUnknownEndpoint)
}

func TestEndpointRegistry_ListByRoleSnapshot(t *testing.T) {
	r := NewEndpointRegistry()
	for i := range 5 {
		id := domain.EndpointID(fmt.Sprintf("host-%d", i))
		_, err := r.Register(id, &fakeConn{})
		require.NoError(t, err)
		_, err = r.SetRole(id, domain.RoleHost)
		require.NoError(t, err)
	}
	_, err := r.Register("ctrl", &fakeConn{})
	require.NoError(t, err)

	hosts := r.ListByRole(domain.RoleHost)

	// Later changes do not leak into a snapshot already taken.
	r.Remove("host-0")
	_, _ = r.Register("host-9", &fakeConn{})
	_, _ = r.SetRole("host-9", domain.RoleHost)

	first := slices.Collect(hosts)
	second := slices.Collect(hosts)
	assert.Equal(t, first, second)
	assert.Equal(t, []domain.EndpointID{"host-0", "host-1", "host-2", "host-3", "host-4"}, first)

	assert.Len(t, slices.Collect(r.ListByRole(domain.RoleHost)), 5)
	assert.Equal(t, []domain.EndpointID{"ctrl"}, slices.Collect(r.ListByRole(domain.RoleUnknown)))
}

func TestEndpointRegistry_TouchAndStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewEndpointRegistry()
	r.SetClock(func() time.Time { return now })

	_, _ = r.Register("quiet", &fakeConn{})
	_, _ = r.Register("chatty", &fakeConn{})

	now = now.Add(80 * time.Second)
	require.NoError(t, r.Touch("chatty"))

	now = now.Add(20 * time.Second)
	stale := r.Stale(now, 90*time.Second)
	assert.Equal(t, []domain.EndpointID{"quiet"}, stale)

	assert.ErrorIs(t, r.Touch("ghost"), domain.ErrUnknownEndpoint)
}

func TestEndpointRegistry_ConcurrentAccess(t *testing.T) {
	r := NewEndpointRegistry()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.EndpointID(fmt.Sprintf("ep-%d", i))
			if _, err := r.Register(id, &fakeConn{}); err != nil {
				t.Error(err)
				return
			}
			_ = r.Touch(id)
			_, _ = r.Lookup(id)
			if i%2 == 0 {
				_, _ = r.SetRole(id, domain.RoleHost)
			}
			for range r.ListByRole(domain.RoleHost) {
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64, r.Count())
	assert.Len(t, slices.Collect(r.ListByRole(domain.RoleHost)), 32)
	assert.Len(t, r.Snapshot(), 64)
}

func TestEndpointRegistry_Describe(t *testing.T) {
	r := NewEndpointRegistry()
	_, _ = r.Register("e", &fakeConn{})
	require.NoError(t, r.Describe("e", "cbor", "10.0.0.1:5000"))

	ep, _ := r.Lookup("e")
	assert.Equal(t, "cbor", ep.Codec)
	assert.Equal(t, "10.0.0.1:5000", ep.RemoteAddr)
	assert.ErrorIs(t, r.Describe("ghost", "json", ""), domain.ErrUnknownEndpoint)
}

func TestEndpointRegistry_RemoveConnGuardsSuccessor(t *testing.T) {
	r := NewEndpointRegistry()
	old, successor := &fakeConn{}, &fakeConn{}
	_, _ = r.Register("e", old)
	r.Remove("e")
	_, _ = r.Register("e", successor)

	_, ok := r.RemoveConn("e", old)
	assert.False(t, ok)
	_, ok = r.RemoveConn("e", successor)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Count())
}
