package soak

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	"github.com/okian/rollcall/internal/domain/model"
)

// identity is a synthetic enrollee with a one-hot embedding, so distinct
// identities are orthogonal and never cross-match.
type identity struct {
	ID     string
	Name   string
	Vector []float32
}

func generateIdentities(run string, n int) []identity {
	out := make([]identity, n)
	for i := range out {
		vec := make([]float32, n)
		vec[i] = 1
		out[i] = identity{
			ID:     fmt.Sprintf("soak-%s-%04d", run, i),
			Name:   fmt.Sprintf("Soak %04d", i),
			Vector: vec,
		}
	}
	return out
}

// frame picks up to maxFaces distinct identities and encodes them as a
// precomputed payload. It returns the payload and the chosen indexes.
func frame(rng *rand.Rand, ids []identity, maxFaces int, modelName string) ([]byte, []int, error) {
	n := 1 + rng.IntN(maxFaces)
	if n > len(ids) {
		n = len(ids)
	}
	picked := rng.Perm(len(ids))[:n]
	faces := make([]precomputed.Face, n)
	for i, idx := range picked {
		faces[i] = precomputed.Face{
			Box:        model.BoundingBox{X: 20 + i*140, Y: 30, Width: 120, Height: 120},
			Confidence: 0.9 + rng.Float64()*0.1,
			Embedding:  ids[idx].Vector,
			Model:      modelName,
		}
	}
	body, err := precomputed.Encode(faces...)
	return body, picked, err
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}
