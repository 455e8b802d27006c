package strategy

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"

	"l7lb/internal/registry"
)

// DefaultReplicas is the number of virtual ring positions placed per
// backend when the caller does not specify a replica count.
const DefaultReplicas = 10

type ringPoint struct {
	position *big.Int
	backend  *registry.Backend
}

// HashRing implements consistent hashing over a 128-bit ring. Positions are
// derived from an MD5 digest interpreted as an unsigned big integer —
// spec.md §3 requires a 128-bit cryptographic digest for this, and no
// native Go integer type is wide enough to hold one.
//
// The ring is built once, from every configured backend regardless of
// health, so that a backend flapping unhealthy and healthy again does not
// reshuffle anyone else's ring positions. Lookup finds the first position
// at or after H(source IP), wrapping to the start of the ring, then walks
// forward until it reaches a healthy backend or has examined every point.
type HashRing struct {
	points []ringPoint
}

func NewHashRing(backends []*registry.Backend, replicas int) *HashRing {
	if replicas < 1 {
		replicas = DefaultReplicas
	}
	points := make([]ringPoint, 0, len(backends)*replicas)
	for _, b := range backends {
		for i := 0; i < replicas; i++ {
			pos := ringHash(fmt.Sprintf("%sreplica%d", b.IP, i))
			points = append(points, ringPoint{position: pos, backend: b})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].position.Cmp(points[j].position) < 0
	})
	return &HashRing{points: points}
}

func (h *HashRing) Pick(ctx Context) (*registry.Backend, error) {
	if len(h.points) == 0 || ctx.SourceIP == "" {
		return nil, ErrNoHealthyBackend
	}
	key := ringHash(ctx.SourceIP)
	start := sort.Search(len(h.points), func(i int) bool {
		return h.points[i].position.Cmp(key) >= 0
	})
	for i := 0; i < len(h.points); i++ {
		p := h.points[(start+i)%len(h.points)]
		if p.backend.Healthy {
			return p.backend, nil
		}
	}
	return nil, ErrNoHealthyBackend
}

// ringHash returns md5(s) interpreted as a 128-bit unsigned integer.
func ringHash(s string) *big.Int {
	sum := md5.Sum([]byte(s))
	return new(big.Int).SetBytes(sum[:])
}
