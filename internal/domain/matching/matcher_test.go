package matching_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/matching"
	"github.com/okian/rollcall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

const testModel = "test-v1"

func emb(vals ...float32) model.Embedding {
	return model.Embedding{Values: vals, Model: testModel}
}

func randomUnit(r *rand.Rand, dim int) model.Embedding {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return emb(v...).Normalized()
}

func newGallery(identities ...model.EnrolledIdentity) *gallery.Gallery {
	g := gallery.New(memory.New())
	for _, id := range identities {
		if _, err := g.Enroll(context.Background(), id); err != nil {
			panic(err)
		}
	}
	return g
}

func TestCosineDistance(t *testing.T) {
	Convey("Given vectors", t, func() {
		So(matching.CosineDistance([]float32{1, 0}, []float32{1, 0}), ShouldAlmostEqual, 0, 1e-9)
		So(matching.CosineDistance([]float32{1, 0}, []float32{0, 1}), ShouldAlmostEqual, 1, 1e-9)
		So(matching.CosineDistance([]float32{1, 0}, []float32{-1, 0}), ShouldAlmostEqual, 2, 1e-9)
		So(matching.CosineDistance([]float32{1}, []float32{1, 0}), ShouldEqual, 2)
		So(matching.CosineDistance([]float32{0, 0}, []float32{1, 0}), ShouldEqual, 2)
	})

	Convey("Confidence is monotonically decreasing and bounded", t, func() {
		So(matching.Confidence(0), ShouldEqual, 1)
		So(matching.Confidence(0.3), ShouldAlmostEqual, 0.7, 1e-9)
		So(matching.Confidence(1.5), ShouldEqual, 0)
		So(matching.Confidence(-0.1), ShouldEqual, 1)
	})
}

func TestMatcher(t *testing.T) {
	Convey("Given a gallery of two well separated identities", t, func() {
		g := newGallery(
			model.EnrolledIdentity{ID: "alice", DisplayName: "Alice", Embeddings: []model.Embedding{emb(1, 0, 0, 0)}},
			model.EnrolledIdentity{ID: "bob", DisplayName: "Bob", Embeddings: []model.Embedding{emb(0, 1, 0, 0), emb(0, 0.8, 0.6, 0)}},
		)
		m := matching.New()

		Convey("When an enrolled embedding is presented unmodified", func() {
			got, err := m.Match(g.Snapshot(), emb(1, 0, 0, 0), 0.6)

			Convey("Then it matches with full confidence", func() {
				So(err, ShouldBeNil)
				So(got.IdentityID, ShouldEqual, "alice")
				So(got.Confidence, ShouldAlmostEqual, 1, 1e-6)
				So(got.Matched(), ShouldBeTrue)
			})
		})

		Convey("When a query is close to one of several samples", func() {
			got, err := m.Match(g.Snapshot(), emb(0, 0.79, 0.61, 0), 0.6)

			Convey("Then the best sample decides", func() {
				So(err, ShouldBeNil)
				So(got.IdentityID, ShouldEqual, "bob")
				So(got.Confidence, ShouldBeGreaterThan, 0.99)
				So(got.RunnerUpID, ShouldEqual, "alice")
			})
		})

		Convey("When the query is far from everyone", func() {
			got, err := m.Match(g.Snapshot(), emb(0, 0, 0, 1), 0.6)

			Convey("Then no identity is returned", func() {
				So(err, ShouldBeNil)
				So(got.IdentityID, ShouldBeEmpty)
				So(got.Matched(), ShouldBeFalse)
				So(got.Confidence, ShouldBeLessThan, 0.6)
			})
		})

		Convey("When the query has another model or dimension", func() {
			got, err := m.Match(g.Snapshot(), model.Embedding{Values: []float32{1, 0, 0, 0}, Model: "other"}, 0.6)
			So(err, ShouldBeNil)
			So(got.IdentityID, ShouldBeEmpty)

			got, err = m.Match(g.Snapshot(), emb(1, 0), 0.6)
			So(err, ShouldBeNil)
			So(got.IdentityID, ShouldBeEmpty)
		})

		Convey("When the threshold is missing or out of range", func() {
			for _, th := range []float64{0, -0.5, 1.1, math.NaN()} {
				_, err := m.Match(g.Snapshot(), emb(1, 0, 0, 0), th)
				So(errors.Is(err, matching.ErrThresholdNotConfigured), ShouldBeTrue)
			}
		})

		Convey("When the query is degenerate", func() {
			_, err := m.Match(g.Snapshot(), emb(0, 0, 0, 0), 0.6)
			So(errors.Is(err, matching.ErrInvalidQuery), ShouldBeTrue)
		})
	})

	Convey("Given two identities that are nearly indistinguishable", t, func() {
		g := newGallery(
			model.EnrolledIdentity{ID: "twin-a", DisplayName: "A", Embeddings: []model.Embedding{emb(1, 0.01, 0)}},
			model.EnrolledIdentity{ID: "twin-b", DisplayName: "B", Embeddings: []model.Embedding{emb(1, -0.01, 0)}},
		)

		Convey("When a query lands between them", func() {
			got, err := matching.New().Match(g.Snapshot(), emb(1, 0, 0), 0.6)

			Convey("Then the match is ambiguous and rejected", func() {
				So(err, ShouldBeNil)
				So(got.Ambiguous, ShouldBeTrue)
				So(got.IdentityID, ShouldBeEmpty)
				So(got.Matched(), ShouldBeFalse)
			})
		})

		Convey("When epsilon is zero only exact ties are ambiguous", func() {
			got, err := matching.New(matching.WithAmbiguityEpsilon(0)).Match(g.Snapshot(), emb(1, 0.005, 0), 0.6)
			So(err, ShouldBeNil)
			So(got.IdentityID, ShouldEqual, "twin-a")
		})
	})

	Convey("Given an empty gallery", t, func() {
		got, err := matching.New().Match(newGallery().Snapshot(), emb(1, 0), 0.5)
		So(err, ShouldBeNil)
		So(got.IdentityID, ShouldBeEmpty)
	})
}

func TestMatcherProperties(t *testing.T) {
	Convey("Given many random identities", t, func() {
		r := rand.New(rand.NewSource(7))
		var ids []model.EnrolledIdentity
		for i := 0; i < 60; i++ {
			ids = append(ids, model.EnrolledIdentity{
				ID:          string(rune('A'+i/26)) + string(rune('a'+i%26)),
				DisplayName: "p",
				Embeddings:  []model.Embedding{randomUnit(r, 64), randomUnit(r, 64)},
			})
		}
		g := newGallery(ids...)

		check := func(m *matching.Matcher) {
			for _, id := range ids {
				for _, e := range id.Embeddings {
					got, err := m.Match(g.Snapshot(), e, 0.8)
					So(err, ShouldBeNil)
					So(got.Confidence, ShouldBeGreaterThanOrEqualTo, 0.8)
					So(got.IdentityID, ShouldEqual, id.ID)
				}
			}
		}

		Convey("Then every enrolled sample matches its own identity by linear scan", func() {
			check(matching.New())
		})

		Convey("Then the HNSW prefilter gives the same answers", func() {
			check(matching.New(matching.WithHNSWIndex(10, 32)))
		})
	})
}

func perturb(r *rand.Rand, e model.Embedding, scale float64) model.Embedding {
	v := make([]float32, len(e.Values))
	for i := range v {
		v[i] = e.Values[i] + float32(scale*r.NormFloat64())
	}
	return emb(v...).Normalized()
}

// axis returns cos*e0 + sin*e_k in dim dimensions.
func axis(dim, k int, cos float64) model.Embedding {
	v := make([]float32, dim)
	v[0] = float32(cos)
	v[k] = float32(math.Sqrt(1 - cos*cos))
	return emb(v...)
}

func TestMatcherIndexAmbiguity(t *testing.T) {
	Convey("Given one identity with many close samples and another with a single slightly farther one", t, func() {
		const dim = 32
		var crowd []model.Embedding
		for k := 1; k <= 20; k++ {
			crowd = append(crowd, axis(dim, k, 0.96))
		}
		g := newGallery(
			model.EnrolledIdentity{ID: "crowd", DisplayName: "Crowd", Embeddings: crowd},
			model.EnrolledIdentity{ID: "single", DisplayName: "Single", Embeddings: []model.Embedding{axis(dim, 25, 0.955)}},
		)
		snap := g.Snapshot()
		q := axis(dim, 1, 1)

		indexed := matching.New(matching.WithHNSWIndex(10, 4))
		indexed.Warm(snap)
		v, ok := indexed.IndexVersion()
		So(ok, ShouldBeTrue)
		So(v, ShouldEqual, snap.Version())

		Convey("When the nearest neighbours all belong to the crowded identity", func() {
			linear, err := matching.New().Match(snap, q, 0.8)
			So(err, ShouldBeNil)
			got, err := indexed.Match(snap, q, 0.8)
			So(err, ShouldBeNil)

			Convey("Then both matchers reject the match as ambiguous", func() {
				So(linear.Ambiguous, ShouldBeTrue)
				So(got.Ambiguous, ShouldBeTrue)
				So(got.IdentityID, ShouldBeEmpty)
				So(got.RunnerUpID, ShouldEqual, "single")
				So(got.Distance, ShouldAlmostEqual, linear.Distance, 1e-9)
			})
		})
	})
}

func TestMatcherIndexClustered(t *testing.T) {
	Convey("Given identities clustered around a few centres with one heavily sampled identity", t, func() {
		r := rand.New(rand.NewSource(11))
		const dim = 32
		centres := []model.Embedding{randomUnit(r, dim), randomUnit(r, dim), randomUnit(r, dim)}

		var ids []model.EnrolledIdentity
		var heavy []model.Embedding
		for i := 0; i < 40; i++ {
			heavy = append(heavy, perturb(r, centres[0], 0.04))
		}
		ids = append(ids, model.EnrolledIdentity{ID: "heavy", DisplayName: "Heavy", Embeddings: heavy})
		for i := 0; i < 24; i++ {
			c := centres[i%len(centres)]
			ids = append(ids, model.EnrolledIdentity{
				ID:          "p" + string(rune('a'+i)),
				DisplayName: "p",
				Embeddings:  []model.Embedding{perturb(r, c, 0.06), perturb(r, c, 0.06)},
			})
		}
		g := newGallery(ids...)
		snap := g.Snapshot()

		linear := matching.New()
		indexed := matching.New(matching.WithHNSWIndex(10, 8))
		indexed.Warm(snap)

		Convey("Then the indexed matcher agrees with the linear scan on every query", func() {
			for _, id := range ids {
				for _, e := range id.Embeddings {
					q := perturb(r, e, 0.01)
					want, err := linear.Match(snap, q, 0.8)
					So(err, ShouldBeNil)
					got, err := indexed.Match(snap, q, 0.8)
					So(err, ShouldBeNil)
					So(got.IdentityID, ShouldEqual, want.IdentityID)
					So(got.Ambiguous, ShouldEqual, want.Ambiguous)
					if want.Matched() || want.Ambiguous {
						So(got.Distance, ShouldAlmostEqual, want.Distance, 1e-9)
						So(got.RunnerUpID, ShouldEqual, want.RunnerUpID)
					}
				}
			}
		})
	})
}

func TestMatcherIndexRebuild(t *testing.T) {
	Convey("Given an indexed matcher warmed on an initial gallery", t, func() {
		r := rand.New(rand.NewSource(3))
		var ids []model.EnrolledIdentity
		for i := 0; i < 12; i++ {
			ids = append(ids, model.EnrolledIdentity{
				ID:          "id" + string(rune('a'+i)),
				DisplayName: "p",
				Embeddings:  []model.Embedding{randomUnit(r, 16)},
			})
		}
		g := newGallery(ids...)
		m := matching.New(matching.WithHNSWIndex(5, 8))
		m.Warm(g.Snapshot())

		Convey("When a new identity is enrolled", func() {
			fresh := randomUnit(r, 16)
			_, err := g.Enroll(context.Background(), model.EnrolledIdentity{ID: "fresh", DisplayName: "Fresh", Embeddings: []model.Embedding{fresh}})
			So(err, ShouldBeNil)
			snap := g.Snapshot()

			Convey("Then it matches straight away while the index catches up", func() {
				got, err := m.Match(snap, fresh, 0.8)
				So(err, ShouldBeNil)
				So(got.IdentityID, ShouldEqual, "fresh")

				deadline := time.Now().Add(2 * time.Second)
				for {
					if v, _ := m.IndexVersion(); v == snap.Version() || time.Now().After(deadline) {
						break
					}
					time.Sleep(5 * time.Millisecond)
				}
				v, _ := m.IndexVersion()
				So(v, ShouldEqual, snap.Version())

				again, err := m.Match(snap, fresh, 0.8)
				So(err, ShouldBeNil)
				So(again.IdentityID, ShouldEqual, "fresh")
			})
		})
	})
}
