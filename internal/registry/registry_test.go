package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gemhunt/internal/registry"
	"github.com/cory-johannsen/gemhunt/internal/testutil"
)

func TestScopes(t *testing.T) {
	assert.Equal(t, registry.Scope("room:ABCDEF"), registry.RoomScope("ABCDEF"))
	assert.Equal(t, registry.Scope("match:7"), registry.MatchScope(7))
	assert.True(t, registry.RoomScope("X").IsRoom())
	assert.False(t, registry.QueueScope.IsRoom())
	assert.Equal(t, "ABCDEF", registry.RoomScope("ABCDEF").RoomCode())
	assert.Equal(t, "", registry.MatchScope(1).RoomCode())
}

func TestRegister(t *testing.T) {
	r := registry.New()
	c := testutil.NewFakeConn()
	require.NoError(t, r.Register(c, "alice", registry.QueueScope))

	scope, ok := r.ScopeOf(c)
	require.True(t, ok)
	assert.Equal(t, registry.QueueScope, scope)
	name, ok := r.IdentityOf(c)
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, 1, r.Count(registry.QueueScope))
	assert.Equal(t, 1, r.Len())
}

func TestRegister_DuplicateConnection(t *testing.T) {
	r := registry.New()
	c := testutil.NewFakeConn()
	require.NoError(t, r.Register(c, "alice", registry.QueueScope))
	err := r.Register(c, "alice", registry.RoomScope("ABC"))
	assert.ErrorIs(t, err, registry.ErrDuplicateConnection)
	assert.Equal(t, 0, r.Count(registry.RoomScope("ABC")))
}

func TestRegister_DuplicateIdentityWithinScope(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testutil.NewFakeConn(), "alice", registry.QueueScope))
	err := r.Register(testutil.NewFakeConn(), "alice", registry.QueueScope)
	assert.ErrorIs(t, err, registry.ErrDuplicateIdentity)

	// Same identity in a different scope is fine.
	assert.NoError(t, r.Register(testutil.NewFakeConn(), "alice", registry.RoomScope("ABC")))
}

func TestUnregister_Idempotent(t *testing.T) {
	r := registry.New()
	c := testutil.NewFakeConn()
	require.NoError(t, r.Register(c, "alice", registry.RoomScope("ABC")))

	m, scope, ok := r.Unregister(c)
	require.True(t, ok)
	assert.Equal(t, "alice", m.Identity)
	assert.Equal(t, registry.RoomScope("ABC"), scope)

	_, _, ok = r.Unregister(c)
	assert.False(t, ok)
	_, _, ok = r.Unregister(testutil.NewFakeConn())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestMembers_JoinOrder(t *testing.T) {
	r := registry.New()
	scope := registry.RoomScope("ABC")
	conns := make([]*testutil.FakeConn, 4)
	for i, name := range []string{"alice", "bob", "carol", "dave"} {
		conns[i] = testutil.NewFakeConn()
		require.NoError(t, r.Register(conns[i], name, scope))
	}
	_, _, _ = r.Unregister(conns[1])

	assert.Equal(t, []string{"alice", "carol", "dave"}, r.Identities(scope))
	members := r.Members(scope)
	require.Len(t, members, 3)
	assert.Same(t, conns[2], members[1].Conn)
	assert.Len(t, r.ConnectionsOf(scope), 3)
}

func TestUnregisterScope(t *testing.T) {
	r := registry.New()
	scope := registry.RoomScope("ABC")
	a, b := testutil.NewFakeConn(), testutil.NewFakeConn()
	require.NoError(t, r.Register(a, "alice", scope))
	require.NoError(t, r.Register(b, "bob", scope))

	members := r.UnregisterScope(scope)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Identity)
	assert.Equal(t, 0, r.Count(scope))
	_, ok := r.ScopeOf(a)
	assert.False(t, ok)
}

func TestRebind(t *testing.T) {
	r := registry.New()
	scope := registry.MatchScope(1)
	a, b := testutil.NewFakeConn(), testutil.NewFakeConn()
	require.NoError(t, r.Register(a, "alice", scope))
	require.NoError(t, r.Register(b, "bob", scope))

	a2 := testutil.NewFakeConn()
	old, err := r.Rebind(scope, "alice", a2)
	require.NoError(t, err)
	assert.Same(t, a, old)

	_, ok := r.ScopeOf(a)
	assert.False(t, ok, "old connection must be released")
	got, ok := r.Lookup(scope, "alice")
	require.True(t, ok)
	assert.Same(t, a2, got)
	assert.Equal(t, []string{"alice", "bob"}, r.Identities(scope))

	_, err = r.Rebind(scope, "nobody", testutil.NewFakeConn())
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
	_, err = r.Rebind(scope, "bob", a2)
	assert.ErrorIs(t, err, registry.ErrDuplicateConnection)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := registry.New()
	const n = 100
	conns := make([]*testutil.FakeConn, n)
	for i := range conns {
		conns[i] = testutil.NewFakeConn()
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = r.Register(conns[i], fmt.Sprintf("p%d", i), registry.QueueScope)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Count(registry.QueueScope))

	// Unregister everything twice, racing.
	wg.Add(2 * n)
	for i := 0; i < 2*n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, _ = r.Unregister(conns[i%n])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Count(registry.QueueScope))
}

func TestPropertyScopeCountsMatchConnections(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := registry.New()
		scopes := []registry.Scope{registry.QueueScope, registry.RoomScope("A"), registry.MatchScope(1)}
		n := rapid.IntRange(1, 30).Draw(t, "conns")
		conns := make([]*testutil.FakeConn, n)
		for i := range conns {
			conns[i] = testutil.NewFakeConn()
		}

		ops := rapid.IntRange(0, 100).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			c := conns[rapid.IntRange(0, n-1).Draw(t, "conn")]
			if rapid.Bool().Draw(t, "register") {
				scope := scopes[rapid.IntRange(0, len(scopes)-1).Draw(t, "scope")]
				name := fmt.Sprintf("p%d", rapid.IntRange(0, 5).Draw(t, "name"))
				_ = r.Register(c, name, scope)
			} else {
				_, _, _ = r.Unregister(c)
			}
		}

		total := 0
		for _, s := range scopes {
			names := r.Identities(s)
			seen := make(map[string]bool)
			for _, name := range names {
				if seen[name] {
					t.Fatalf("identity %q duplicated in %s", name, s)
				}
				seen[name] = true
			}
			total += len(names)
		}
		if total != r.Len() {
			t.Fatalf("scope membership %d != registered connections %d", total, r.Len())
		}
	})
}
