package cluster

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jpl-au/bob/internal/backend"
	"github.com/jpl-au/bob/internal/holder"
	"github.com/jpl-au/bob/internal/nodeclient"
	"github.com/jpl-au/bob/internal/record"
)

// Quorum unreachable (spec.md §8 scenario 2): two of three replicas
// down, quorum=2. PUT still reports Ok because the survivor's local
// write succeeds and putAliens successfully tags a local alien copy
// for each unreachable peer. A later GetAlien call for either peer,
// as if that node had rejoined and asked the survivor for its data,
// recovers the value.
func TestPutOkOnLocalPlusAlienWhenQuorumUnreachable(t *testing.T) {
	ctx := context.Background()
	key := record.Key{0x0a, 0x0b, 0x0c, 0x0d}

	backendA := backend.NewInMemory()
	// B and C are both down: no pool entries at all.
	coordA := New("A", 2, threeNodeMapper("A"), nodeclient.NewPool(), backendA, zerolog.Nop())
	defer coordA.Close()

	if err := coordA.Put(ctx, key, record.Meta{Timestamp: 100}, []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	coordA.Close()

	local, err := coordA.Get(ctx, key, Options{})
	if err != nil || local.Outcome != holder.ReadFound || string(local.Record.Payload) != "v" {
		t.Errorf("A.Get() = %+v, err=%v, want Found payload=v", local, err)
	}

	for _, node := range []string{"B", "C"} {
		alien, err := coordA.GetAlien(ctx, key, node)
		if err != nil || alien.Outcome != holder.ReadFound || string(alien.Record.Payload) != "v" {
			t.Errorf("A.GetAlien(key, %q) = %+v, err=%v, want Found payload=v", node, alien, err)
		}
	}
}
